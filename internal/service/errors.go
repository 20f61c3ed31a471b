package service

import "errors"

// Rejection reasons returned by Pipeline.Process. Match with errors.Is.
var (
	ErrNoProviderConfigured    = errors.New("no incoming email provider configured")
	ErrAddressResolutionFailed = errors.New("could not resolve agent from recipient address")
	ErrAgentNotFound           = errors.New("agent not found")
	ErrNotAnInternalAgent      = errors.New("agent is not an internal agent")
	ErrEmailNotEnabledForAgent = errors.New("incoming email is not enabled for agent")
	ErrUnauthorized            = errors.New("sender is not authorized")
	ErrConfiguration           = errors.New("agent email configuration error")
	ErrUnknownSecurityMode     = errors.New("unknown incoming email security mode")
	ErrNoTeamsFound            = errors.New("agent belongs to no team")
	ErrNoOrganizationFound     = errors.New("agent team has no organization")
)

// Reason maps an error from Process to a short label for metrics and API
// responses.
func Reason(err error) string {
	reasons := []struct {
		target error
		label  string
	}{
		{ErrNoProviderConfigured, "no_provider"},
		{ErrAddressResolutionFailed, "address_resolution_failed"},
		{ErrAgentNotFound, "agent_not_found"},
		{ErrNotAnInternalAgent, "not_internal_agent"},
		{ErrEmailNotEnabledForAgent, "email_not_enabled"},
		{ErrUnauthorized, "unauthorized"},
		{ErrConfiguration, "configuration_error"},
		{ErrUnknownSecurityMode, "unknown_security_mode"},
		{ErrNoTeamsFound, "no_teams"},
		{ErrNoOrganizationFound, "no_organization"},
	}
	for _, r := range reasons {
		if errors.Is(err, r.target) {
			return r.label
		}
	}
	return "error"
}
