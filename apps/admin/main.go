package main

import (
	"log"
	"os"

	sqlxlib "github.com/jmoiron/sqlx"

	"github.com/trezcool/mwalimu/broker/nats"
	"github.com/trezcool/mwalimu/cache"
	"github.com/trezcool/mwalimu/core"
	"github.com/trezcool/mwalimu/core/submission"
	"github.com/trezcool/mwalimu/services/extraction"
	"github.com/trezcool/mwalimu/services/grading"
	logsvc "github.com/trezcool/mwalimu/services/logger"
	"github.com/trezcool/mwalimu/storage/database"
	sqlxrepos "github.com/trezcool/mwalimu/storage/database/sqlx"
)

var stdLog *log.Logger

func main() {
	defer os.Exit(0)

	stdLog = log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)

	conf, err := core.LoadConfig()
	errAndDie(err)

	appLog := logsvc.NewRollbarLogger(stdLog, conf)
	appLog.Enable(!conf.Debug)

	// set up DB
	db, err := database.Open(conf)
	errAndDie(err)
	defer db.Close()
	errAndDie(db.Ping())
	dbx := sqlxlib.NewDb(db, "postgres")

	subRepo := sqlxrepos.NewSubmissionRepository(dbx)
	rubricRepo := sqlxrepos.NewAssignmentRepository(dbx)

	broker, err := nats.Connect(conf, appLog)
	errAndDie(err)
	defer broker.Close()

	// provider calls never happen from the CLI; the services are only
	// needed to satisfy the orchestrator's wiring.
	c := cache.NewTiered(cache.NewLocalCache(conf.Cache.LocalCapacity), nil)
	subSvc := submission.NewService(
		conf, appLog, subRepo, rubricRepo, broker,
		extraction.NewService(conf, appLog, c),
		grading.NewService(conf, appLog, c),
	)

	cli := commandLine{
		db:     db,
		subSvc: subSvc,
		broker: broker,
	}
	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			stdLog.Printf("\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}

func errAndDie(err error) {
	if err != nil {
		stdLog.Fatal(err)
	}
}
