package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"lessongen/internal/config"
	"lessongen/internal/di"
	"lessongen/internal/models"
	"lessongen/internal/observability"
	"lessongen/internal/services"
	contextutils "lessongen/internal/utils"

	"github.com/spf13/cobra"
)

// ContainerFactory builds an initialized service container for local commands
type ContainerFactory func(ctx context.Context) (*di.ServiceContainer, error)

// NewLocalContainerFactory builds containers that keep lessons in memory, so
// local commands never write to the database.
func NewLocalContainerFactory(cfg *config.Config, logger *observability.Logger, opts ...di.Option) ContainerFactory {
	return func(ctx context.Context) (*di.ServiceContainer, error) {
		all := append([]di.Option{di.WithLessonStore(services.NewMemoryLessonStore())}, opts...)
		container := di.NewServiceContainer(cfg, logger, all...)
		if err := container.Initialize(ctx); err != nil {
			return nil, err
		}
		return container, nil
	}
}

// LocalCommands returns the commands that run the pipeline in-process against the configured providers
func LocalCommands(factory ContainerFactory, jsonOutput *bool) []*cobra.Command {
	return []*cobra.Command{
		testConnectionsCmd(factory, jsonOutput),
		distributionTestCmd(factory, jsonOutput),
	}
}

func withContainer(cmd *cobra.Command, factory ContainerFactory, fn func(ctx context.Context, gen services.GenerationServiceInterface) error) error {
	ctx, cancel := runWithTimeout(cmd.Context(), cmd)
	defer cancel()

	container, err := factory(ctx)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = container.Shutdown(shutdownCtx)
	}()

	gen, err := container.GetGenerationService()
	if err != nil {
		return err
	}
	return fn(ctx, gen)
}

func testConnectionsCmd(factory ContainerFactory, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "test-connections",
		Short: "Check connectivity of every configured provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withContainer(cmd, factory, func(ctx context.Context, gen services.GenerationServiceInterface) error {
				report := gen.TestConnections(ctx)
				if *jsonOutput {
					if err := printJSON(cmd.OutOrStdout(), report); err != nil {
						return err
					}
				} else if err := printConnections(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if report.Total > 0 && report.Connected == 0 {
					return contextutils.WrapError(contextutils.ErrAllProvidersFailed, "no provider is reachable")
				}
				return nil
			})
		},
	}
}

func distributionTestCmd(factory ContainerFactory, jsonOutput *bool) *cobra.Command {
	var req services.DistributionTestRequest
	var questionsFile string

	cmd := &cobra.Command{
		Use:   "distribution-test",
		Short: "Validate and repair a question batch without storing it",
		Long: `Validate the answer distribution of a batch and show the repaired result.

With --questions-file the batch is read from a JSON array of questions.
Otherwise a batch is generated for --topic using the configured providers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if questionsFile != "" {
				questions, err := readQuestions(questionsFile)
				if err != nil {
					return err
				}
				req.Questions = questions
			}
			return withContainer(cmd, factory, func(ctx context.Context, gen services.GenerationServiceInterface) error {
				report, err := gen.DistributionTest(ctx, req)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return printJSON(cmd.OutOrStdout(), report)
				}
				printDistribution(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&req.TopicID, "topic", "", "Topic to generate a batch for")
	cmd.Flags().IntVar(&req.Difficulty, "difficulty", 0, "Difficulty 1-5 (default from config)")
	cmd.Flags().IntVar(&req.QuestionCount, "count", 0, "Number of questions (default from config)")
	cmd.Flags().StringVar(&req.Strategy, "strategy", "", "Load balancing strategy override")
	cmd.Flags().StringVar(&questionsFile, "questions-file", "", "JSON file with an array of questions to check")
	return cmd
}

func readQuestions(path string) ([]models.Question, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, contextutils.WrapErrorf(err, "failed to read %s", path)
	}
	var questions []models.Question
	if err := json.Unmarshal(raw, &questions); err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidInput, "%s is not a JSON array of questions: %v", path, err)
	}
	return questions, nil
}

func printConnections(out io.Writer, report models.ConnectionReport) error {
	fmt.Fprintf(out, "%d/%d providers connected\n\n", report.Connected, report.Total)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tCONNECTED\tLATENCY\tERROR")
	for _, r := range report.Results {
		fmt.Fprintf(w, "%s\t%t\t%dms\t%s\n", r.Provider, r.Connected, r.LatencyMS, r.Error)
	}
	return w.Flush()
}

func printDistribution(out io.Writer, report *services.DistributionTestReport) {
	if report.Provider != "" {
		fmt.Fprintf(out, "Provider: %s\n", report.Provider)
	}
	printReport(out, "Before", report.Before)
	printReport(out, "After", report.After)
	fmt.Fprintf(out, "Target:   %v\n", report.Target)
	fmt.Fprintf(out, "Repaired: %t\n", report.Repaired)
}

func printReport(out io.Writer, label string, r models.ValidationReport) {
	fmt.Fprintf(out, "%-8s  valid=%t score=%d distribution=%s\n", label+":", r.IsValid, r.Score, r.Distribution)
	for _, issue := range r.Issues {
		fmt.Fprintf(out, "  - [%s] %s\n", issue.Severity, issue.Message)
	}
}
