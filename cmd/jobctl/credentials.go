package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"doctranslate/internal/bootstrap"
	"doctranslate/internal/domain/jsoncfg"
	"doctranslate/internal/infra"
	"doctranslate/internal/infra/credentials"
)

func credentialsCmd(e *env) *cobra.Command {
	creds := &cobra.Command{
		Use:   "credentials",
		Short: "Manage stored provider API keys",
		Long: "Stored keys are used when a job carries no key of its own. " +
			"DEEPL_API_KEY and OPENAI_API_KEY take precedence over stored keys.",
	}

	var fromEnv string
	set := &cobra.Command{
		Use:   "set PROVIDER [KEY]",
		Short: "Store or replace a provider API key",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := keyedProvider(args[0])
			if err != nil {
				return err
			}
			var key string
			if len(args) == 2 {
				key = args[1]
			} else if fromEnv != "" {
				key = os.Getenv(fromEnv)
			}
			if strings.TrimSpace(key) == "" {
				return errors.New("an API key is required as an argument or via --from-env")
			}
			return e.withKeys(cmd.Context(), func(keys credentials.KeyStore) error {
				if err := keys.SetToken(cmd.Context(), provider, key); err != nil {
					return fmt.Errorf("store %s key: %w", provider, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s API key stored\n", provider)
				return nil
			})
		},
	}
	set.Flags().StringVar(&fromEnv, "from-env", "", "read the key from this environment variable")

	list := &cobra.Command{
		Use:   "list",
		Short: "Show which providers have a stored key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.withKeys(cmd.Context(), func(keys credentials.KeyStore) error {
				stored, err := keys.Keys(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PROVIDER\tKEY")
				for _, k := range stored {
					fmt.Fprintf(w, "%s\t%s\n", k.Provider, k.Hint)
				}
				return w.Flush()
			})
		},
	}

	del := &cobra.Command{
		Use:     "delete PROVIDER",
		Aliases: []string{"rm"},
		Short:   "Remove a stored provider API key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := keyedProvider(args[0])
			if err != nil {
				return err
			}
			return e.withKeys(cmd.Context(), func(keys credentials.KeyStore) error {
				removed, err := keys.DeleteToken(cmd.Context(), provider)
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("no stored key for %s", provider)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s API key removed\n", provider)
				return nil
			})
		},
	}

	creds.AddCommand(set, list, del)
	return creds
}

// keyedProvider resolves aliases and rejects providers that take no key.
func keyedProvider(name string) (string, error) {
	provider, ok := jsoncfg.CanonicalProvider(name)
	if !ok {
		return "", fmt.Errorf("unsupported provider %q", name)
	}
	if provider != jsoncfg.ProviderDeepL && provider != jsoncfg.ProviderOpenAI {
		return "", fmt.Errorf("%s does not use an API key", provider)
	}
	return provider, nil
}

func (e *env) withKeys(ctx context.Context, fn func(credentials.KeyStore) error) error {
	if e.cfg.DBDriver == infra.DriverMemory {
		return errors.New("DB_DRIVER=memory cannot store credentials")
	}
	store, err := bootstrap.OpenStore(ctx, e.cfg, e.logger, true)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store.Keys)
}
