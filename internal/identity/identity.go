// Package identity models the provider account a run creates and generates
// the synthetic profile data (display name, password) the sign-up needs.
// Actually creating the account happens behind the Source collaborator; the
// core only consumes the resulting record.
package identity

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// CreatedAtLayout is the timestamp format used in persisted records.
const CreatedAtLayout = "2006-01-02 15:04:05"

// Identity is one provider account: the mailbox credentials plus the session
// token obtained at sign-up.
type Identity struct {
	Email     string
	Password  string
	Name      string
	JWTToken  string
	CreatedAt time.Time
}

// Source acquires a fresh identity: a mailbox, a registered provider account
// and its session token. Implementations wrap external mailbox services and
// the browser-driven sign-up.
type Source interface {
	Acquire(ctx context.Context) (*Identity, error)
}

const (
	letters   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	uppercase = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowercase = "abcdefghijklmnopqrstuvwxyz"
	digits    = "0123456789"
	symbols   = "!@#$%^&*"

	passwordLength = 16
)

var (
	firstNames = []string{
		"James", "Mary", "Robert", "Patricia", "John", "Jennifer", "Michael",
		"Linda", "David", "Elizabeth", "William", "Barbara", "Richard",
		"Susan", "Joseph", "Jessica", "Thomas", "Sarah", "Daniel", "Karen",
		"Matthew", "Lisa", "Anthony", "Nancy", "Mark", "Sandra", "Steven",
		"Ashley", "Andrew", "Emily", "Paul", "Michelle", "Joshua", "Amanda",
	}
	lastNames = []string{
		"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller",
		"Davis", "Rodriguez", "Martinez", "Hernandez", "Lopez", "Gonzalez",
		"Wilson", "Anderson", "Thomas", "Taylor", "Moore", "Jackson",
		"Martin", "Lee", "Perez", "Thompson", "White", "Harris", "Sanchez",
		"Clark", "Ramirez", "Lewis", "Robinson", "Walker", "Young", "Allen",
	}
)

func randomIndex(n int) (int, error) {
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("identity: read random source: %w", err)
	}
	return int(idx.Int64()), nil
}

func randomChar(alphabet string) (byte, error) {
	idx, err := randomIndex(len(alphabet))
	if err != nil {
		return 0, err
	}
	return alphabet[idx], nil
}

// GeneratePassword produces a 16-character password over letters, digits and
// a small symbol set. The first four positions are forced to one character
// of each class so provider complexity rules always pass.
func GeneratePassword() (string, error) {
	alphabet := letters + digits + symbols

	buf := make([]byte, passwordLength)
	for i := range buf {
		c, err := randomChar(alphabet)
		if err != nil {
			return "", err
		}
		buf[i] = c
	}
	for i, class := range []string{uppercase, lowercase, digits, symbols} {
		c, err := randomChar(class)
		if err != nil {
			return "", err
		}
		buf[i] = c
	}
	return string(buf), nil
}

// GenerateName produces a plausible "First Last" display name for sign-up
// forms.
func GenerateName() (string, error) {
	first, err := randomIndex(len(firstNames))
	if err != nil {
		return "", err
	}
	last, err := randomIndex(len(lastNames))
	if err != nil {
		return "", err
	}
	return firstNames[first] + " " + lastNames[last], nil
}

// New builds an identity for a mailbox address with generated profile data
// and the current timestamp.
func New(email string) (*Identity, error) {
	password, err := GeneratePassword()
	if err != nil {
		return nil, err
	}
	name, err := GenerateName()
	if err != nil {
		return nil, err
	}
	return &Identity{
		Email:     strings.TrimSpace(email),
		Password:  password,
		Name:      name,
		CreatedAt: time.Now(),
	}, nil
}
