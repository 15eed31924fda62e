// Command pdanon pseudonymizes personal data in free text and restores it
// later from an encrypted session.
//
// Usage:
//
//	# Run the HTTP API
//	pdanon serve
//
//	# One-shot anonymization, text from argument or stdin
//	pdanon anonymize "Alice Smith works at Acme Corp."
//	echo "mail alice@example.com" | pdanon anonymize --model regex
//
//	# Restore with the credentials printed by anonymize
//	pdanon reidentify --session <id> --key <key> "Person A replied."
//
// Configuration comes from pd-anonymizer.yaml (or PDANON_CONFIG) and the
// PDANON_* environment variables. Upstream proxy chaining for /chat is
// automatic: set HTTP_PROXY / HTTPS_PROXY before starting this process.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pdanon",
		Short: "Reversible pseudonymization of personal data in text",
		Long: `pdanon replaces personal data (names, organizations, emails, phone numbers...)
with consistent pseudonyms such as "Person A" or "Company B". The mapping is
encrypted with a per-call key and stored under a session ID, so the original
values can be restored later, for example in an LLM reply.`,
		SilenceUsage: true,
	}
	root.AddCommand(
		newServeCmd(),
		newAnonymizeCmd(),
		newReidentifyCmd(),
		newEstimateCmd(),
		newVersionCmd(),
	)
	return root
}
