// cohort-client submits threshold specs to the cohort service, waits for the
// jobs and writes their results to local files.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/common/version"

	"cohortlab/internal/client"
	"cohortlab/internal/config"
	"cohortlab/internal/job"
)

func main() {
	var (
		serviceURL string
		apiKeyFile string
		logLevel   string

		templateOut string

		specPath string
		kind     string
		outDir   string
		noWait   bool
		maxWait  time.Duration
		pollMin  time.Duration
		pollMax  time.Duration

		resultID   string
		resultWait bool
	)

	app := kingpin.New(filepath.Base(os.Args[0]), "Cohort analysis client.")
	app.HelpFlag.Short('h')
	app.Flag("url", "Cohort service base URL.").Envar("COHORT_SERVICE_URL").Default("http://localhost:8080").StringVar(&serviceURL)
	app.Flag("api-key-file", "File holding the service API key.").Envar("API_KEY_FILE").PlaceHolder("PATH").ExistingFileVar(&apiKeyFile)
	app.Flag("log.level", "Log level, one of [debug, info, warn, error].").Default("info").EnumVar(&logLevel, "debug", "info", "warn", "error")
	app.Version(version.Print("cohort-client"))

	templateCmd := app.Command("template", "Download the default threshold spec.")
	templateCmd.Flag("out", "Output file, - for stdout.").Short('o').Default("template.json").StringVar(&templateOut)

	submitCmd := app.Command("submit", "Submit a threshold spec and wait for its result.")
	submitCmd.Arg("spec", "Threshold spec JSON file.").Required().ExistingFileVar(&specPath)
	submitCmd.Flag("kind", "Compute kind: 1 phenotype counts, 2 phenotype proportions, 3 cell counts, 4 co-occurrence.").Short('k').Required().EnumVar(&kind, "1", "2", "3", "4")
	submitCmd.Flag("out-dir", "Directory the result file is written to.").Default(".").StringVar(&outDir)
	submitCmd.Flag("no-wait", "Print the job ID and exit without waiting.").BoolVar(&noWait)
	submitCmd.Flag("max-wait", "Give up waiting after this long.").Default("30m").DurationVar(&maxWait)
	submitCmd.Flag("poll-min", "Shortest pause between status checks.").Default("2s").DurationVar(&pollMin)
	submitCmd.Flag("poll-max", "Longest pause between status checks.").Default("6s").DurationVar(&pollMax)

	resultCmd := app.Command("result", "Fetch the result of a job.")
	resultCmd.Arg("job-id", "Job ID returned by submit.").Required().StringVar(&resultID)
	resultCmd.Flag("wait", "Wait for the job to finish.").BoolVar(&resultWait)
	resultCmd.Flag("out-dir", "Directory the result file is written to.").Default(".").StringVar(&outDir)
	resultCmd.Flag("max-wait", "Give up waiting after this long.").Default("30m").DurationVar(&maxWait)

	jobsCmd := app.Command("jobs", "List all jobs.")
	resetCmd := app.Command("reset", "Delete every job, input and result.")

	command, err := app.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("failed to parse commandline arguments: %w", err))
		app.Usage(os.Args[1:])
		os.Exit(2)
	}

	var level slog.Level
	_ = level.UnmarshalText([]byte(logLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	c, err := client.New(serviceURL,
		client.WithAPIKey(config.GetSecretFile(apiKeyFile)),
		client.WithLogger(logger),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poll := client.PollOptions{
		MinInterval: pollMin,
		MaxInterval: pollMax,
		MaxWait:     maxWait,
		OnStatus:    statusLogger(logger),
	}

	switch command {
	case templateCmd.FullCommand():
		err = fetchTemplate(ctx, c, templateOut)
	case submitCmd.FullCommand():
		k, _ := strconv.Atoi(kind)
		err = submit(ctx, c, job.Kind(k), specPath, outDir, noWait, poll)
	case resultCmd.FullCommand():
		err = fetchResult(ctx, c, resultID, outDir, resultWait, poll)
	case jobsCmd.FullCommand():
		err = listJobs(ctx, c)
	case resetCmd.FullCommand():
		err = reset(ctx, c)
	}
	if err != nil {
		stop()
		logger.Error("Command failed", "command", command, "error", err)
		os.Exit(1)
	}
}

func fetchTemplate(ctx context.Context, c *client.Client, out string) error {
	data, err := c.Template(ctx)
	if err != nil {
		return err
	}
	if out == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func submit(ctx context.Context, c *client.Client, kind job.Kind, specPath, outDir string, noWait bool, poll client.PollOptions) error {
	spec, err := os.ReadFile(specPath)
	if err != nil {
		return err
	}
	if !json.Valid(spec) {
		return fmt.Errorf("%s is not valid JSON", specPath)
	}

	resp, err := c.Submit(ctx, kind, filepath.Base(specPath), spec)
	if err != nil {
		return err
	}
	slog.Info("Job submitted", "job_id", resp.JobID, "kind", kind.String(), "status", resp.Status)
	if noWait {
		fmt.Println(resp.JobID)
		return nil
	}

	res, err := c.Poll(ctx, resp.JobID, poll)
	if err != nil {
		return err
	}
	return materialize(kind, res, outDir)
}

func fetchResult(ctx context.Context, c *client.Client, jobID, outDir string, wait bool, poll client.PollOptions) error {
	view, err := c.Job(ctx, jobID)
	if err != nil {
		return err
	}

	var res *client.Result
	if wait {
		res, err = c.Poll(ctx, jobID, poll)
	} else {
		res, err = c.Result(ctx, jobID)
	}
	if err != nil {
		return err
	}

	switch {
	case res.Done():
		return materialize(job.Kind(view.ComputeKind), res, outDir)
	case res.Failed():
		return fmt.Errorf("%w: %s", client.ErrJobFailed, res.Status)
	case res.Pending():
		fmt.Println(res.Status)
		return nil
	default:
		return &client.StatusError{Code: res.Code, Message: res.Status}
	}
}

func materialize(kind job.Kind, res *client.Result, outDir string) error {
	path, err := client.Materialize(kind, res.Artifact, outDir)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func listJobs(ctx context.Context, c *client.Client) error {
	list, err := c.Jobs(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(list)
}

func reset(ctx context.Context, c *client.Client) error {
	resp, err := c.Reset(ctx)
	if err != nil {
		return err
	}
	slog.Info("Service reset", "inputs_removed", resp.InputsRemoved, "results_removed", resp.ResultsRemoved)
	return nil
}

// statusLogger logs a pending job's status each time it changes.
func statusLogger(logger *slog.Logger) func(*client.Result) {
	var last string
	return func(res *client.Result) {
		if res.Done() || res.Status == last {
			return
		}
		last = res.Status
		attrs := []any{"job_id", res.JobID, "status", res.Status}
		if p := res.Progress; p != nil && p.Total > 0 {
			attrs = append(attrs, "current", p.Current, "total", p.Total)
		}
		logger.Info("Job status", attrs...)
	}
}
