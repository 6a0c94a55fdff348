package browser

import "context"

// Intent names a page element by purpose rather than by selector. The driver
// implementation owns the mapping to whatever the page actually renders.
type Intent string

const (
	IntentEmailField    Intent = "email-field"
	IntentPasswordField Intent = "password-field"
	IntentCodeField     Intent = "code-field"
	IntentContinue      Intent = "continue"
	IntentAllowAccess   Intent = "allow-access"
	IntentConfirmCode   Intent = "confirm-code"
	IntentBuilderID     Intent = "builder-id"
)

// Driver is the narrow contract the flows need from browser automation. The
// core only ever navigates, observes the location and page text, and acts on
// named intents; it never sees selectors or DOM structure.
type Driver interface {
	// Navigate sends the browser to a URL.
	Navigate(ctx context.Context, url string) error
	// CurrentLocation returns the browser's current URL.
	CurrentLocation(ctx context.Context) (string, error)
	// PageContains reports whether the visible page text contains a phrase.
	PageContains(ctx context.Context, text string) (bool, error)
	// Fill types a value into the element serving an intent.
	Fill(ctx context.Context, intent Intent, value string) error
	// Click activates the element serving an intent.
	Click(ctx context.Context, intent Intent) error
}
