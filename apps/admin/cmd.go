package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"

	"github.com/trezcool/mwalimu/core"
	"github.com/trezcool/mwalimu/core/submission"
)

var errHelp = errors.New("help provided")

type commandLine struct {
	db     *sql.DB
	subSvc *submission.Service
	broker core.Broker
}

func (cli *commandLine) printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  migrate COMMAND [ARGS] - run database migrations (up|up-by-one|up-to|down|down-to|redo|reset|status|version|create|fix)")
	fmt.Println("  stale - list submissions stuck in a non-terminal state past the staleness window")
	fmt.Println("  reprocess -id ID - rewind a failed submission and re-enqueue it")
	fmt.Println("  deadletters [-limit N] - list dead-lettered tasks without consuming them")
	fmt.Println("  requeue [-limit N] - move dead-lettered tasks back onto their work topics")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	reprocessCmd := flag.NewFlagSet("reprocess", flag.ExitOnError)
	reprocessID := reprocessCmd.String("id", "", "The submission ID to reprocess.")

	deadLettersCmd := flag.NewFlagSet("deadletters", flag.ExitOnError)
	deadLettersLimit := deadLettersCmd.Int("limit", 50, "Maximum number of dead letters to list.")

	requeueCmd := flag.NewFlagSet("requeue", flag.ExitOnError)
	requeueLimit := requeueCmd.Int("limit", 50, "Maximum number of dead letters to requeue.")

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])
	case "stale":
		return cli.stale()
	case "reprocess":
		if err := reprocessCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *reprocessID == "" {
			reprocessCmd.Usage()
			return errHelp
		}
		return cli.reprocess(*reprocessID)
	case "deadletters":
		if err := deadLettersCmd.Parse(args[2:]); err != nil {
			return err
		}
		return cli.deadLetters(*deadLettersLimit)
	case "requeue":
		if err := requeueCmd.Parse(args[2:]); err != nil {
			return err
		}
		return cli.requeue(*requeueLimit)
	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) stale() error {
	subs, err := cli.subSvc.FindStale(context.Background())
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		fmt.Println("no stale submissions")
		return nil
	}
	for _, sub := range subs {
		fmt.Printf("%s\t%s\tupdated %s\n", sub.ID, sub.Status, sub.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func (cli *commandLine) reprocess(id string) error {
	if err := cli.subSvc.Reprocess(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("submission %s re-enqueued\n", id)
	return nil
}

func (cli *commandLine) deadLetters(limit int) error {
	deads, err := cli.broker.ListDeadLetters(context.Background(), limit)
	if err != nil {
		return err
	}
	if len(deads) == 0 {
		fmt.Println("no dead letters")
		return nil
	}
	for _, d := range deads {
		fmt.Printf("%s\t%s\t%s\tmoved %s\n", d.Task.ID, d.Topic, d.Reason, d.MovedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func (cli *commandLine) requeue(limit int) error {
	n, err := cli.broker.RequeueDeadLetters(context.Background(), limit)
	if err != nil {
		return err
	}
	fmt.Printf("requeued %d dead letter(s)\n", n)
	return nil
}
