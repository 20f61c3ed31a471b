package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"agent-mail-gateway/internal/config"
	"agent-mail-gateway/internal/provider/outlook"
)

// Checks the Outlook credentials from the environment. The token is fetched
// directly from the tenant's token endpoint so a bad app registration shows
// up before the Graph SDK is involved; the mailbox read then goes through
// the provider itself.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Unable to load configuration: %v", err)
	}

	oc := cfg.Email.Outlook
	if !oc.IsConfigured() {
		log.Fatal("Please set AGENT_INCOMING_EMAIL_OUTLOOK_TENANT_ID, AGENT_INCOMING_EMAIL_OUTLOOK_CLIENT_ID, " +
			"AGENT_INCOMING_EMAIL_OUTLOOK_CLIENT_SECRET and AGENT_INCOMING_EMAIL_OUTLOOK_MAILBOX_ADDRESS")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cc := clientcredentials.Config{
		ClientID:     oc.ClientID,
		ClientSecret: oc.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(oc.TenantID)),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		log.Fatalf("Unable to retrieve Graph token: %v", err)
	}
	fmt.Printf("Token Type: %s\n", tok.TokenType)
	fmt.Printf("Expiry: %v\n", tok.Expiry)

	p := outlook.New(oc, nil)
	if err := p.Initialize(ctx); err != nil {
		log.Fatalf("Mailbox check failed: %v", err)
	}
	fmt.Printf("Mailbox %s is readable\n", oc.MailboxAddress)

	if len(os.Args) > 1 {
		fmt.Printf("\nAgent %s receives mail at:\n%s\n", os.Args[1], p.GenerateEmailAddress(os.Args[1]))
	}
}
