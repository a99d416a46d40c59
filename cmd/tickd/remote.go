package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"github.com/snehjoshi/tickq/pkg/client"
)

const remoteTimeout = 10 * time.Second

func newClient(c *cli.Context) *client.Client {
	return client.New(c.String("addr"),
		client.WithAPIKey(c.String("api-key")),
		client.WithTimeout(remoteTimeout),
	)
}

func remoteJobs(c *cli.Context) error {
	jobs, err := newClient(c).Jobs(context.Background())
	if err != nil {
		return err
	}
	out := c.App.Writer
	if len(jobs) == 0 {
		fmt.Fprintln(out, "tickd: no jobs configured")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tBASE\tKIND\tSTATE\tEXPIRES\tPERIOD\tFIRES\tOVERRUNS")
	for _, j := range jobs {
		writeJobRow(tw, j)
	}
	return tw.Flush()
}

func remotePeriod(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("usage: tickd period <job> <ticks>")
	}
	period, err := strconv.ParseUint(c.Args().Get(1), 10, 32)
	if err != nil {
		return fmt.Errorf("ticks: %w", err)
	}
	j, err := newClient(c).SetPeriod(context.Background(), c.Args().First(), uint32(period))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s: period %d, applies after expiry %d\n", j.Name, j.Period, j.Expires)
	return nil
}

func remoteStop(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("usage: tickd stop <job>")
	}
	j, err := newClient(c).StopJob(context.Background(), c.Args().First())
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s: %s\n", j.Name, jobState(j))
	return nil
}

func remoteStart(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("usage: tickd start <job>")
	}
	j, err := newClient(c).StartJob(context.Background(), c.Args().First())
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s: %s, expires %d\n", j.Name, jobState(j), j.Expires)
	return nil
}

func writeJobRow(w io.Writer, j client.Job) {
	period := "-"
	if j.Period != 0 {
		period = strconv.FormatUint(uint64(j.Period), 10)
	} else if j.Cron != "" {
		period = j.Cron
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%d\t%d\n",
		j.Name, j.Base, j.Kind, jobState(&j), j.Expires, period, j.Fires, j.Overruns)
}

func jobState(j *client.Job) string {
	switch {
	case j.Stopped:
		return "stopped"
	case j.Armed:
		return "armed"
	default:
		return "idle"
	}
}
