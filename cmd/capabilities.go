package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"transform_worker/config"
	"transform_worker/core/capability"
)

// NewCapabilitiesCommand creates the capability probe command.
func NewCapabilitiesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capabilities",
		Short: "Probe remote model services and write the capability registry",
		Long: `Queries the embedder, LLM, NER and language-detection services for their
limits and availability, and writes the result to the registry file the
transform command loads at startup. Unreachable services are recorded as
unavailable rather than failing the probe.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.RequireTransform(); err != nil {
				return err
			}
			log := buildLogger(cfg)

			ctx, stop := signalContext()
			defer stop()

			prober := capability.NewProber(capability.ProbeConfig{
				EmbeddingURL:          cfg.EmbeddingURL,
				VLLMURL:               cfg.VLLMURL,
				SpacyAPIURL:           cfg.SpacyAPIURL,
				FasttextLangdetectURL: cfg.FasttextLangdetectURL,
			}, log)
			set := prober.Run(ctx)

			if err := capability.WriteFile(cfg.CapabilitiesPath, set); err != nil {
				return fmt.Errorf("write capability registry: %w", err)
			}
			fmt.Printf("wrote %s\n", cfg.CapabilitiesPath)
			printCapabilities(set)
			return nil
		},
	}
	return cmd
}

func printCapabilities(s *capability.Set) {
	avail := func(ok bool) string {
		if ok {
			return "available"
		}
		return "unavailable"
	}
	if s.Embedding.MaxTokens != nil {
		fmt.Printf("embedding:  probed (max_tokens=%d, max_chars=%d)\n",
			s.EmbedMaxTokens(), s.EmbedMaxChars())
	} else {
		fmt.Println("embedding:  unavailable")
	}
	if maxLen, err := s.LLMMaxModelLen(); err == nil {
		id, _ := s.LLMModelID()
		fmt.Printf("llm:        probed (model=%s, max_model_len=%d)\n", id, maxLen)
	} else {
		fmt.Println("llm:        unavailable")
	}
	fmt.Printf("ner:        %s\n", avail(s.SpacyAPI.Available))
	fmt.Printf("langdetect: %s\n", avail(s.FasttextLangdetect.Available))
	fmt.Printf("classify_body_max_chars: %d\n", s.ClassifyMaxChars())
}
