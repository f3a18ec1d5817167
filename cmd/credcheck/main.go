// Command credcheck resolves credentials for each monitorable backend and
// prints where they came from, without contacting any provider. Useful when
// an account keeps landing in the poll error list.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/fairyhunter13/agent-control-plane/internal/adapter/credentials"
	"github.com/fairyhunter13/agent-control-plane/internal/config"
	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	name := flag.String("name", "credcheck", "account name to resolve as")
	flag.Parse()

	resolver := credentials.NewResolver(credentials.Options{
		ClaudeDir: cfg.ClaudeConfigDir,
		CodexDir:  cfg.CodexConfigDir,
		GeminiDir: cfg.GeminiConfigDir,
	})

	ctx := context.Background()
	failed := false
	for _, b := range []domain.Backend{domain.BackendClaude, domain.BackendCodex, domain.BackendGemini} {
		cred, err := resolver.Resolve(ctx, domain.Account{Backend: b, Name: *name})
		if err != nil {
			failed = true
			fmt.Printf("%-8s ERROR: %v\n", b, err)
			continue
		}
		fmt.Printf("%-8s source=%s fingerprint=%s plan=%q\n",
			b, cred.Source, credentials.Fingerprint(cred.Token), cred.Plan)
	}
	if failed {
		os.Exit(1)
	}
}
