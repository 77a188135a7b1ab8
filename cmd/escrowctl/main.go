// Command escrowctl is the operator tool for an escrowflow deployment.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"escrowflow/auth"
	"escrowflow/contract"
	"escrowflow/db"
	"escrowflow/logging"
	"escrowflow/milestone"
	"escrowflow/transfer"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var databaseFlag = &cli.StringFlag{
	Name:     "database-url",
	Usage:    "postgres connection string",
	EnvVars:  []string{"DATABASE_URL"},
	Required: true,
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "escrowctl",
		Usage:     "operate an escrowflow deployment",
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Value: "info", EnvVars: []string{"ESCROW_LOG_LEVEL"}},
		},
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "apply pending schema migrations",
				Flags:  []cli.Flag{databaseFlag},
				Action: runMigrate,
			},
			{
				Name:  "token",
				Usage: "issue a session token for a user id",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user-id", Required: true},
					&cli.StringFlag{Name: "secret", EnvVars: []string{"JWT_SECRET"}, Required: true},
					&cli.StringFlag{Name: "arbiter-id", EnvVars: []string{"ESCROW_ARBITER_ID"}},
					&cli.DurationFlag{Name: "ttl", Value: time.Hour},
				},
				Action: runToken,
			},
			{
				Name:      "fingerprint",
				Usage:     "print the Keccak-256 work reference for a deliverable",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "text", Usage: "fingerprint this string instead of a file"},
				},
				Action: runFingerprint,
			},
			{
				Name:      "show",
				Usage:     "print a contract and its timeline",
				ArgsUsage: "<contract-id>",
				Flags:     []cli.Flag{databaseFlag},
				Action:    runShow,
			},
			{
				Name:  "relay-once",
				Usage: "publish one batch of pending transfer instructions",
				Flags: []cli.Flag{
					databaseFlag,
					&cli.StringSliceFlag{Name: "kafka-brokers", EnvVars: []string{"KAFKA_BROKERS"}},
					&cli.StringFlag{Name: "topic-prefix", Value: "escrow", EnvVars: []string{"ESCROW_KAFKA_TOPIC_PREFIX"}},
					&cli.IntFlag{Name: "batch", Value: 100},
				},
				Action: runRelayOnce,
			},
		},
	}
}

func consoleLogger(c *cli.Context) zerolog.Logger {
	return logging.NewConsole(c.String("log-level"))
}

func runMigrate(c *cli.Context) error {
	log := consoleLogger(c)
	pool, err := db.NewPool(c.Context, c.String("database-url"), db.PoolOptions{MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := db.Migrate(c.Context, pool)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		log.Info().Msg("schema already up to date")
		return nil
	}
	for _, name := range applied {
		log.Info().Str("migration", name).Msg("applied")
	}
	return nil
}

func runToken(c *cli.Context) error {
	svc := auth.NewService(auth.NewMemoryRepository(), c.String("secret"), c.String("arbiter-id")).
		WithTokenTTL(c.Duration("ttl"))
	token, err := svc.IssueToken(c.String("user-id"))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, token)
	return nil
}

func runFingerprint(c *cli.Context) error {
	var content []byte
	switch {
	case c.IsSet("text"):
		content = []byte(c.String("text"))
	case c.Args().Len() == 1:
		raw, err := os.ReadFile(c.Args().First())
		if err != nil {
			return fmt.Errorf("read deliverable: %w", err)
		}
		content = raw
	default:
		return cli.Exit("fingerprint needs a file argument or --text", 2)
	}
	fmt.Fprintln(c.App.Writer, milestone.Fingerprint(content))
	return nil
}

func runShow(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return cli.Exit("show needs a contract id", 2)
	}
	pool, err := db.NewPool(c.Context, c.String("database-url"), db.PoolOptions{MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()

	return show(c.Context, contract.NewPGStore(pool), id, c.App.Writer)
}

func show(ctx context.Context, store contract.Store, id string, out io.Writer) error {
	c, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	events, err := store.Timeline(ctx, id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Contract contract.Contract `json:"contract"`
		Timeline []contract.Event  `json:"timeline"`
	}{c, events})
}

func runRelayOnce(c *cli.Context) error {
	log := consoleLogger(c)
	pool, err := db.NewPool(c.Context, c.String("database-url"), db.PoolOptions{MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()

	var publisher transfer.Publisher = transfer.NewLogPublisher(log)
	if brokers := c.StringSlice("kafka-brokers"); len(brokers) > 0 {
		kp, err := transfer.NewKafkaPublisher(brokers, c.String("topic-prefix"))
		if err != nil {
			return err
		}
		defer kp.Close()
		publisher = kp
	}

	relay := transfer.NewRelay(contract.NewPGStore(pool), publisher, log, time.Second, c.Int("batch"))
	sent, err := relay.ProcessOnce(c.Context)
	if err != nil {
		return err
	}
	log.Info().Int("sent", sent).Msg("relay batch complete")
	return nil
}
