// Token management subcommand: create/list/revoke/info for the bearer
// tokens the webhook trigger's internal/auth.Middleware checks.
//
// Grounded on the teacher's cmd/server/main.go cmdToken/tokenCreate/
// tokenList/tokenRevoke/tokenInfo family, adapted from the teacher's
// project-scoped token model (admin | project:<uuid>[:ro]) to this
// repo's hook-scoped one (admin | hook:<id>[:ro]).
package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/riverrun/untether/internal/auth"
)

func cmdToken(args []string) {
	if len(args) < 1 {
		printTokenUsage()
		os.Exit(1)
	}

	fs := flag.NewFlagSet("token", flag.ExitOnError)
	dataDir := fs.String("data-dir", "data", "directory for persisted state (sessions, tokens, schedules, logs)")
	_ = fs.Parse(args)
	rest := fs.Args()
	if len(rest) < 1 {
		printTokenUsage()
		os.Exit(1)
	}

	store, err := auth.NewStore(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing auth store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	switch rest[0] {
	case "create":
		tokenCreate(store, rest[1:])
	case "list":
		tokenList(store)
	case "revoke":
		tokenRevoke(store, rest[1:])
	case "info":
		tokenInfo(store, rest[1:])
	case "help", "-h", "--help":
		printTokenUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown token command: %s\n", rest[0])
		printTokenUsage()
		os.Exit(1)
	}
}

func printTokenUsage() {
	fmt.Println(`Token Management

Usage: untether-bridge token <command> [options]

Commands:
  create    Create a new bearer token
  list      List all tokens
  revoke    Revoke a token
  info      Get token details
  help      Show this help

Scope Formats:
  admin            Full access: trigger any hook, approve any pending decision
  admin:ro         Read-only access to all hooks
  hook:<id>        Full access to one webhook trigger
  hook:<id>:ro     Read-only access to one webhook trigger

Examples:
  untether-bridge token create --name "CI pipeline" --scope hook:deploy
  untether-bridge token create --name "Ops admin" --scope admin
  untether-bridge token list
  untether-bridge token revoke unt_xxxx...
  untether-bridge token info unt_xxxx...`)
}

func tokenCreate(store *auth.Store, args []string) {
	fs := flag.NewFlagSet("token create", flag.ExitOnError)
	name := fs.String("name", "", "Human-readable token name (required)")
	scope := fs.String("scope", "", "Token scope: admin, admin:ro, hook:<id>, or hook:<id>:ro (required)")
	_ = fs.Parse(args)

	if *name == "" || *scope == "" {
		fmt.Fprintln(os.Stderr, "Error: --name and --scope are required")
		fs.PrintDefaults()
		os.Exit(1)
	}

	if !isValidTokenScope(*scope) {
		fmt.Fprintf(os.Stderr, "Error: invalid scope %q\n", *scope)
		fmt.Fprintln(os.Stderr, "Valid scopes: admin, admin:ro, hook:<id>, hook:<id>:ro")
		os.Exit(1)
	}

	token, tokenID, err := store.CreateToken(*name, *scope, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Token created successfully!")
	fmt.Println()
	fmt.Printf("Token:  %s\n", tokenID)
	fmt.Printf("Name:   %s\n", token.Name)
	fmt.Printf("Scope:  %s\n", token.Scope)
	fmt.Println()
	fmt.Println("IMPORTANT: save this token now. It cannot be retrieved later.")
}

func tokenList(store *auth.Store) {
	tokens, err := store.ListTokens()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing tokens: %v\n", err)
		os.Exit(1)
	}

	if len(tokens) == 0 {
		fmt.Println("No tokens found.")
		fmt.Println()
		fmt.Println(`Create one with: untether-bridge token create --name "CI pipeline" --scope hook:deploy`)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSCOPE\tCREATED\tLAST USED")
	_, _ = fmt.Fprintln(w, "--\t----\t-----\t-------\t---------")
	for _, t := range tokens {
		lastUsed := "never"
		if t.LastUsedAt != nil {
			lastUsed = t.LastUsedAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			maskTokenID(t.ID), t.Name, t.Scope, t.CreatedAt.Format("2006-01-02 15:04"), lastUsed)
	}
	_ = w.Flush()
}

func tokenRevoke(store *auth.Store, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: token ID required")
		fmt.Fprintln(os.Stderr, "Usage: untether-bridge token revoke <token_id>")
		os.Exit(1)
	}
	if err := store.RevokeToken(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "Error revoking token: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Token %s revoked successfully.\n", maskTokenID(args[0]))
}

func tokenInfo(store *auth.Store, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: token ID required")
		fmt.Fprintln(os.Stderr, "Usage: untether-bridge token info <token_id>")
		os.Exit(1)
	}
	token, err := store.GetToken(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting token: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Token ID:  %s\n", maskTokenID(token.ID))
	fmt.Printf("Name:      %s\n", token.Name)
	fmt.Printf("Scope:     %s\n", token.Scope)
	fmt.Printf("Created:   %s\n", token.CreatedAt.Format("2006-01-02 15:04:05"))
	if token.LastUsedAt != nil {
		fmt.Printf("Last Used: %s\n", token.LastUsedAt.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Printf("Last Used: never\n")
	}
	if token.ExpiresAt != nil {
		fmt.Printf("Expires:   %s\n", token.ExpiresAt.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Printf("Expires:   never\n")
	}
}

func isValidTokenScope(scope string) bool {
	if auth.IsAdminScope(scope) {
		return true
	}
	if auth.IsHookScope(scope) {
		return auth.ExtractHookID(scope) != ""
	}
	return false
}

func maskTokenID(tokenID string) string {
	if len(tokenID) <= 12 {
		return "***"
	}
	return tokenID[:8] + "..." + tokenID[len(tokenID)-4:]
}
