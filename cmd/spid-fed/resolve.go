package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	yaml "gopkg.in/yaml.v3"

	"github.com/carlotafuro/spid-cie-oidc-go/federation"
	"github.com/carlotafuro/spid-cie-oidc-go/httpclient"
)

// Config is the YAML configuration for the resolver.
type Config struct {
	// MaxAuthorityHints clamps how many authority hints are followed per entity. Zero means no
	// limit.
	MaxAuthorityHints int `yaml:"max_authority_hints"`
	// MaxDepth bounds the recursive ascent toward trust anchors. Zero means no limit.
	MaxDepth int `yaml:"max_depth"`
	// FetchTimeoutSeconds bounds each document fetch.
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds"`
	// CacheTTLSeconds enables caching of fetched documents. Zero disables.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
	// InsecureSkipVerify disables TLS certificate verification, for test federations.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

func defaultConfig() Config {
	return Config{
		MaxDepth:            10,
		FetchTimeoutSeconds: 10,
	}
}

func loadConfig(path string) (Config, error) {
	config := defaultConfig()
	if path == "" {
		return config, nil
	}

	configBytes, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read configuration: %w", err)
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return Config{}, fmt.Errorf("failed to parse configuration: %w", err)
	}

	return config, nil
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <entity-identifier>",
	Short: "Build and validate the trust chains for an entity",
	Args:  cobra.ExactArgs(1),
	RunE:  runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	subject := args[0]
	if err := federation.ValidateIdentifier(subject); err != nil {
		return err
	}

	config, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	fetcher := httpclient.New(httpclient.Options{
		Timeout:             time.Duration(config.FetchTimeoutSeconds) * time.Second,
		InsecureSkipVerify:  config.InsecureSkipVerify,
		ExpectedContentType: federation.EntityStatementContentType,
		CacheTTL:            time.Duration(config.CacheTTLSeconds) * time.Second,
	})

	resolver, err := federation.NewResolver(federation.ResolverOptions{
		Fetcher:           fetcher,
		MaxAuthorityHints: config.MaxAuthorityHints,
		MaxDepth:          config.MaxDepth,
	})
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	result := fetcher.FetchAll(ctx, []string{federation.WellKnownURL(subject)})[0]
	if result.Err != nil {
		return result.Err
	}

	leaf, chains, err := resolver.Resolve(ctx, result.Body)
	if err != nil {
		return err
	}

	printEntity(leaf, 0)

	fmt.Println()
	fmt.Printf("%d chain(s) discovered:\n", len(chains))
	for i, chain := range chains {
		fmt.Printf("  %d:", i+1)
		for _, node := range chain.Subjects() {
			fmt.Printf(" -> %s", node)
		}
		fmt.Println()
	}

	return nil
}

// printEntity reports the classification of every candidate superior of ec, recursively.
func printEntity(ec *federation.EntityConfiguration, indent int) {
	prefix := fmt.Sprintf("%*s", indent*2, "")

	fmt.Printf("%s%s (%s)\n", prefix, ec.Subject, ec.Validity())

	for _, subject := range sortedSubjects(ec.VerifiedSuperiors) {
		crossCheck := color.YellowString("not cross-checked")
		if ec.VerifiedBySuperiors[subject] {
			crossCheck = color.GreenString("verified by superior")
		} else if _, failed := ec.FailedBySuperiors[subject]; failed {
			crossCheck = color.RedString("failed cross-check")
		} else if _, unreachable := ec.UnreachableSuperiors[subject]; unreachable {
			crossCheck = color.YellowString("unreachable (no federation_api_endpoint)")
		}
		fmt.Printf("%s  superior %s: %s, %s\n",
			prefix, subject, color.GreenString("verified"), crossCheck)
		printEntity(ec.VerifiedSuperiors[subject], indent+2)
	}

	for _, subject := range sortedSubjects(ec.FailedSuperiors) {
		fmt.Printf("%s  superior %s: %s\n", prefix, subject, color.RedString("failed"))
	}
}

func sortedSubjects(configs map[string]*federation.EntityConfiguration) []string {
	subjects := make([]string, 0, len(configs))
	for subject := range configs {
		subjects = append(subjects, subject)
	}
	sort.Strings(subjects)
	return subjects
}
