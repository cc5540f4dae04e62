package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yourusername/relayforge/internal/client"
	"github.com/yourusername/relayforge/internal/tracking"
)

// ErrJobFailed はジョブが failed で終わったことを表します。
var ErrJobFailed = errors.New("job failed")

func newStatusCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [JOB_ID]",
		Short: "Show the status of a job",
		Long: `ジョブの状態を表示します。JOB_ID を省略した場合は --route に保存されたジョブを使います。
--route に jobId クエリを含めた場合はそちらを優先します。`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobID string
			if len(args) == 1 {
				jobID = args[0]
			}
			return runStatus(cmd, v, jobID)
		},
	}

	f := cmd.Flags()
	f.Bool("wait", false, "Poll the job until it completes or fails")
	f.Duration("interval", tracking.DefaultPollerConfig.Interval, "Polling interval used with --wait")
	_ = v.BindPFlags(f)
	return cmd
}

func runStatus(cmd *cobra.Command, v *viper.Viper, jobID string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cmd, v)
	if err != nil {
		return err
	}
	defer a.Close()
	flags := NewFlagLoader(cmd, v)

	if jobID == "" {
		jobID, err = a.correlator.Read(ctx, a.route)
		if err != nil {
			return err
		}
		if jobID == "" {
			return fmt.Errorf("no job is tracked for route %s; pass JOB_ID or run forge upload first", a.route.Path)
		}
	}

	if flags.Bool("wait") {
		return a.watch(ctx, jobID, flags.Duration("interval"))
	}

	st, err := a.api.JobStatus(ctx, jobID)
	if err != nil {
		if errors.Is(err, client.ErrSessionExpired) {
			return a.expired(ctx, err)
		}
		return err
	}
	return a.report(jobID, st)
}

// watch は終端状態になるまでジョブを追跡します。
func (a *app) watch(ctx context.Context, jobID string, interval time.Duration) error {
	poller := tracking.NewPoller(a.api, tracking.PollerConfig{Interval: interval}, a.log)

	var (
		final    tracking.Event
		lastLine string
	)
	err := poller.Start(ctx, jobID, func(ev tracking.Event) {
		switch {
		case ev.Expired:
		case ev.Err != nil:
			a.log.Debug().Err(ev.Err).Str("job_id", jobID).Msg("status fetch failed")
		case !ev.Transition.Terminal():
			if line := statusLine(ev.Status); line != lastLine {
				fmt.Fprintf(a.out, "%s %s\n", jobID, line)
				lastLine = line
			}
		}
		if ev.Terminal() {
			final = ev
		}
	})
	if err != nil {
		return err
	}
	poller.Wait()

	switch {
	case final.Expired:
		return a.expired(ctx, final.Err)
	case final.Transition.Terminal():
		return a.report(jobID, final.Status)
	case ctx.Err() != nil:
		return client.ErrCancelled
	default:
		return nil
	}
}

// report は終端状態なら結果を表示し、failed ならエラーを返します。
func (a *app) report(jobID string, st *client.JobStatus) error {
	switch tracking.Reduce(st.Status) {
	case tracking.TransitionCompleted:
		fmt.Fprintf(a.out, "%s 完了\n", jobID)
		printResult(a.out, st.Result)
		return nil
	case tracking.TransitionFailed:
		if st.Error != nil {
			return fmt.Errorf("%w: %s: %s", ErrJobFailed, st.Error.Code, st.Error.Message)
		}
		return ErrJobFailed
	default:
		fmt.Fprintf(a.out, "%s %s\n", jobID, statusLine(st))
		return nil
	}
}

// expired は保存したジョブの参照を消し、再アップロードを促すエラーを返します。
func (a *app) expired(ctx context.Context, cause error) error {
	if _, err := a.correlator.Clear(context.WithoutCancel(ctx), a.route); err != nil {
		a.log.Warn().Err(err).Msg("failed to clear job pointer")
	}
	if cause == nil {
		cause = client.ErrSessionExpired
	}
	return cause
}
