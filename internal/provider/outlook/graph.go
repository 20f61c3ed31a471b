package outlook

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	kiotaauth "github.com/microsoft/kiota-authentication-azure-go"
	jsonserialization "github.com/microsoft/kiota-serialization-json-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"

	"agent-mail-gateway/internal/config"
)

// newGraphAdapter authenticates as the application with a client secret and
// targets cfg.GraphBaseURL.
func newGraphAdapter(cfg config.OutlookConfig) (abstractions.RequestAdapter, error) {
	cred, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph credential: %w", err)
	}
	auth, err := kiotaauth.NewAzureIdentityAuthenticationProviderWithScopes(cred, []string{graphScope})
	if err != nil {
		return nil, fmt.Errorf("failed to create graph auth provider: %w", err)
	}
	adapter, err := msgraphsdk.NewGraphRequestAdapter(auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph request adapter: %w", err)
	}
	adapter.SetBaseUrl(cfg.GraphBaseURL)
	return adapter, nil
}

// graphErrorDetail unwraps an OData error returned by the Graph SDK.
func graphErrorDetail(err error) (status int, code, message string, ok bool) {
	var oerr *odataerrors.ODataError
	if !errors.As(err, &oerr) {
		return 0, "", "", false
	}
	if main := oerr.GetErrorEscaped(); main != nil {
		code = deref(main.GetCode())
		message = deref(main.GetMessage())
	}
	return oerr.ResponseStatusCode, code, message, true
}

// describe renders err for logs and wrapped errors; the SDK's own message
// for OData errors omits the Graph code and text.
func describe(err error) string {
	status, code, message, ok := graphErrorDetail(err)
	if !ok {
		return err.Error()
	}
	if code == "" {
		return fmt.Sprintf("graph status %d: %s", status, message)
	}
	return fmt.Sprintf("graph status %d (%s): %s", status, code, message)
}

func wrapGraph(op string, err error) error {
	return fmt.Errorf("%s: %s: %w", op, describe(err), err)
}

// IsSendAsDenied reports whether err is Graph refusing a send-as identity.
// Sub-addressed aliases are rejected this way even when the mailbox grants
// send-as permission.
func IsSendAsDenied(err error) bool {
	status, code, message, ok := graphErrorDetail(err)
	if !ok {
		return false
	}
	if code == "ErrorSendAsDenied" {
		return true
	}
	return status == http.StatusForbidden && strings.Contains(strings.ToLower(message), "send as")
}

// IsValidationNotReady reports whether Graph rejected a subscription because
// the notification endpoint did not answer the validation request, which
// happens while the webhook route is still coming up.
func IsValidationNotReady(err error) bool {
	status, _, message, ok := graphErrorDetail(err)
	if !ok {
		return false
	}
	return status == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(message), "validation request")
}

// decodeNotifications parses a change notification POST body. The body-level
// validationToken is not part of the Graph model and arrives in the
// collection's additional data.
func decodeNotifications(payload []byte) (models.ChangeNotificationCollectionable, error) {
	node, err := jsonserialization.NewJsonParseNode(payload)
	if err != nil {
		return nil, err
	}
	parsed, err := node.GetObjectValue(models.CreateChangeNotificationCollectionFromDiscriminatorValue)
	if err != nil {
		return nil, err
	}
	collection, ok := parsed.(models.ChangeNotificationCollectionable)
	if !ok || collection == nil {
		return nil, errors.New("payload is not a change notification collection")
	}
	return collection, nil
}

func validationToken(c models.ChangeNotificationCollectionable) string {
	return additionalString(c.GetAdditionalData(), "validationToken")
}

// notifiedMessageID takes the message id from resourceData, falling back to
// the last segment of the resource path ("Users/{id}/Messages/{id}").
func notifiedMessageID(n models.ChangeNotificationable) string {
	if data := n.GetResourceData(); data != nil {
		if id := additionalString(data.GetAdditionalData(), "id"); id != "" {
			return id
		}
	}
	if resource := deref(n.GetResource()); resource != "" {
		return path.Base(resource)
	}
	return ""
}

func additionalString(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case *string:
		return deref(v)
	case string:
		return v
	}
	return ""
}

func deref[T any](v *T) T {
	var zero T
	if v == nil {
		return zero
	}
	return *v
}

func ptr[T any](v T) *T { return &v }

func recipientAddress(r models.Recipientable) (address, name string) {
	if r == nil || r.GetEmailAddress() == nil {
		return "", ""
	}
	return deref(r.GetEmailAddress().GetAddress()), deref(r.GetEmailAddress().GetName())
}

func newRecipient(address, name string) models.Recipientable {
	email := models.NewEmailAddress()
	email.SetAddress(ptr(address))
	if name != "" {
		email.SetName(ptr(name))
	}
	r := models.NewRecipient()
	r.SetEmailAddress(email)
	return r
}
