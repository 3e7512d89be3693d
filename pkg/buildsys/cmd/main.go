// Package cmd implements the CLI for the buildsys package
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ngld/buildgraph/pkg"
	"github.com/ngld/buildgraph/pkg/buildsys"
	"github.com/ngld/buildgraph/pkg/config"
)

// ScriptName is the build script searched for in the working directory and its parents
const ScriptName = "build.star"

type session struct {
	ctx        context.Context
	cancel     context.CancelFunc
	logger     *zerolog.Logger
	cfg        *config.Config
	build      *buildsys.BuildContext
	scriptPath string
	cachePath  string
	options    map[string]buildsys.ScriptOption
	targets    []string
}

// splitArgs separates task names from KEY=VALUE options
func splitArgs(args []string) ([]string, map[string]string) {
	targets := make([]string, 0)
	options := make(map[string]string)

	for _, part := range args {
		pos := strings.Index(part, "=")
		if pos > -1 {
			options[part[:pos]] = part[pos+1:]
		} else {
			targets = append(targets, part)
		}
	}

	return targets, options
}

// openSession locates the build script, loads the config and runs the script. With doConfigure set, the
// script's configure() is executed as well.
func openSession(cmd *cobra.Command, args []string, doConfigure bool) (*session, error) {
	s := &session{}

	var options map[string]string
	s.targets, options = splitArgs(args)

	wd, err := os.Getwd()
	if err != nil {
		return nil, eris.Wrap(err, "Failed to retrieve the current working directory")
	}

	s.scriptPath, err = pkg.FindUp(wd, ScriptName)
	if err != nil {
		return nil, err
	}
	projectRoot := filepath.Dir(s.scriptPath)

	s.cfg, err = config.Load(projectRoot)
	if err != nil {
		return nil, err
	}

	if err = applyFlags(cmd, s.cfg); err != nil {
		return nil, err
	}

	logger := zerolog.New(NewConsoleWriter(cmd.ErrOrStderr())).Level(s.cfg.LogLevel())
	s.logger = &logger

	s.ctx, s.cancel = signal.NotifyContext(context.Background(), os.Interrupt)
	s.ctx = buildsys.WithLogger(s.ctx, s.logger)

	resolver := buildsys.NewRepositoryResolver(s.cfg.RepositoryRoots(projectRoot)...)
	s.build, err = buildsys.NewBuildContext(projectRoot, s.cfg.BuildDir, resolver)
	if err != nil {
		s.cancel()
		return nil, err
	}

	s.cachePath = filepath.Join(s.build.BuildDir, buildsys.OptionsCacheName)
	cached, err := buildsys.ReadOptionsCache(s.cachePath)
	if err != nil {
		s.cancel()
		return nil, err
	}

	for name, value := range options {
		cached[name] = value
	}

	s.options, err = buildsys.RunScript(s.ctx, s.build, s.scriptPath, cached, doConfigure)
	if err != nil {
		s.cancel()
		return nil, err
	}

	for name := range options {
		if _, ok := s.options[name]; !ok {
			s.logger.Warn().Msgf("Option %s is not declared by %s", name, ScriptName)
		}
	}

	return s, nil
}

func (s *session) Close() {
	if !s.build.Closed() {
		if err := s.build.Close(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to close build")
		}
	}
	s.cancel()
}

// applyFlags lets explicitly passed flags override the config file
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()

	if flag := flags.Lookup("jobs"); flag != nil && flag.Changed {
		jobs, err := flags.GetInt("jobs")
		if err != nil {
			return err
		}
		cfg.Jobs = jobs
	}

	if flag := flags.Lookup("fail-fast"); flag != nil && flag.Changed {
		cfg.FailFast = true
	}

	if flag := flags.Lookup("continue"); flag != nil && flag.Changed {
		cfg.FailFast = false
	}

	if flag := flags.Lookup("verbose"); flag != nil && flag.Changed {
		cfg.Log.Level = "debug"
	}

	return cfg.Validate()
}

func printTaskList(cmd *cobra.Command, tasks []*buildsys.Task) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Available tasks:")

	maxNameLen := 0
	sorted := make([]*buildsys.Task, 0, len(tasks))
	for _, task := range tasks {
		if task.Hidden {
			continue
		}

		if len(task.Name) > maxNameLen {
			maxNameLen = len(task.Name)
		}
		sorted = append(sorted, task)
	}

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})

	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
	for _, task := range sorted {
		fmt.Fprintf(out, lineFmt, task.Name+":", task.Desc)
	}
}

var RunCmd = &cobra.Command{
	Use:   "run [task...] [KEY=VALUE...]",
	Short: "Runs the given tasks and everything they depend on",
	Long: `This command parses the first build.star file it finds and executes the given tasks.
Without any task names, the available tasks are listed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd, args, true)
		if err != nil {
			return err
		}
		defer s.Close()

		if len(s.targets) == 0 {
			printTaskList(cmd, s.build.Graph.Tasks())
			return nil
		}

		plan, err := s.build.Graph.Schedule(s.targets...)
		if err != nil {
			return err
		}

		for _, edge := range plan.Dropped {
			s.logger.Debug().Msgf("Ignored ordering %s -> %s because it would cause a cycle", edge.From, edge.To)
		}

		dryRun, err := cmd.Flags().GetBool("dry")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		executor := buildsys.NewExecutor(s.build)
		executor.Jobs = s.cfg.Jobs
		executor.FailFast = s.cfg.FailFast
		executor.DryRun = dryRun
		executor.Force = force
		executor.Stdout = cmd.OutOrStdout()
		executor.Stderr = cmd.ErrOrStderr()

		progress := newProgressListener(cmd.ErrOrStderr(), len(plan.Tasks), dryRun)
		executor.Listener = progress

		result, err := executor.Run(s.ctx, plan)
		progress.Finish()
		if result != nil {
			printSummary(s.logger, result)
		}

		return err
	},
}

func printSummary(logger *zerolog.Logger, result *buildsys.BuildResult) {
	counts := make(map[buildsys.TaskState]int)
	for _, res := range result.Results {
		counts[res.State]++
	}

	logger.Info().
		Int("succeeded", counts[buildsys.TaskSucceeded]).
		Int("up_to_date", counts[buildsys.TaskUpToDate]).
		Int("skipped", counts[buildsys.TaskSkipped]).
		Int("failed", counts[buildsys.TaskFailed]).
		Msgf("%d tasks finished", len(result.Results))
}

var PlanCmd = &cobra.Command{
	Use:   "plan [task...] [KEY=VALUE...]",
	Short: "Prints the order in which the given tasks would be executed",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd, args, true)
		if err != nil {
			return err
		}
		defer s.Close()

		if len(s.targets) == 0 {
			return eris.New("expected at least one task")
		}

		plan, err := s.build.Graph.Schedule(s.targets...)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for idx, task := range plan.Tasks {
			notes := make([]string, 0, 2)
			if preds := plan.Predecessors(task.Name); len(preds) > 0 {
				notes = append(notes, "after "+strings.Join(preds, ", "))
			}
			if finalizers := task.Finalizers(); len(finalizers) > 0 {
				notes = append(notes, "finalized by "+strings.Join(finalizers, ", "))
			}

			if len(notes) > 0 {
				fmt.Fprintf(out, "%3d. %s (%s)\n", idx+1, task.Name, strings.Join(notes, "; "))
			} else {
				fmt.Fprintf(out, "%3d. %s\n", idx+1, task.Name)
			}
		}

		for _, edge := range plan.Dropped {
			fmt.Fprintf(out, "ignored: %s runs after %s\n", edge.To, edge.From)
		}
		return nil
	},
}

var ConfigureCmd = &cobra.Command{
	Use:   "configure [KEY=VALUE...]",
	Short: "Stores options for later builds",
	Long: `This command validates the passed options against the options declared in build.star and
stores them in the build directory. Later runs use them unless they're overridden.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd, args, false)
		if err != nil {
			return err
		}
		defer s.Close()

		if len(s.targets) > 0 {
			return eris.Errorf("unexpected argument %s, only KEY=VALUE pairs are allowed", s.targets[0])
		}

		_, options := splitArgs(args)
		stored, err := buildsys.ReadOptionsCache(s.cachePath)
		if err != nil {
			return err
		}

		for name, value := range options {
			if _, ok := s.options[name]; !ok {
				return eris.Errorf("unknown option %s", name)
			}
			stored[name] = value
		}

		if err = buildsys.WriteOptionsCache(s.cachePath, stored); err != nil {
			return err
		}

		names := make([]string, 0, len(s.options))
		for name := range s.options {
			names = append(names, name)
		}
		sort.Strings(names)

		pkg.PrintTask("Options")
		for _, name := range names {
			value, ok := stored[name]
			if !ok {
				value = s.options[name].Default()
			}
			pkg.PrintSubtask(fmt.Sprintf("%s = %s  (%s)", name, value, s.options[name].Help))
		}
		return nil
	},
}

var ClasspathCmd = &cobra.Command{
	Use:   "classpath <configuration> [KEY=VALUE...]",
	Short: "Prints the resolved files of a dependency configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd, args, true)
		if err != nil {
			return err
		}
		defer s.Close()

		if len(s.targets) != 1 {
			return eris.New("expected exactly one configuration name")
		}

		entries, err := s.build.Configurations.Resolve(s.ctx, s.targets[0])
		if err != nil {
			var unresolved *buildsys.UnresolvedDependencyError
			if errors.As(err, &unresolved) {
				for _, coord := range unresolved.Coordinates {
					pkg.PrintError(coord.String())
				}
			}
			return err
		}

		for _, entry := range entries {
			fmt.Fprintln(cmd.OutOrStdout(), entry)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{RunCmd, PlanCmd, ConfigureCmd, ClasspathCmd} {
		c.Flags().BoolP("verbose", "v", false, "enable debug output")
	}

	RunCmd.Flags().BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")
	RunCmd.Flags().BoolP("force", "f", false, "force build; always execute the passed steps even if they don't have to run")
	RunCmd.Flags().IntP("jobs", "j", 1, "number of tasks to run in parallel")
	RunCmd.Flags().Bool("fail-fast", false, "stop starting new tasks after the first failure")
	RunCmd.Flags().Bool("continue", false, "keep running independent tasks after a failure")
}
