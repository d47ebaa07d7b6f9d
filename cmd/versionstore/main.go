package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ttab/elephant-versionstore/archive"
	"github.com/ttab/elephant-versionstore/ddbstream"
	"github.com/ttab/elephant-versionstore/internal"
	"github.com/ttab/elephant-versionstore/internal/cmd"
	"github.com/ttab/elephant-versionstore/kv"
	"github.com/ttab/elephant-versionstore/schema"
	"github.com/ttab/elephant-versionstore/sinks"
	"github.com/ttab/elephant-versionstore/versions"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func main() {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("exiting: failed to load .env file",
			internal.LogKeyError, err)
		os.Exit(1)
	}

	app := cli.App{
		Name:  "versionstore",
		Usage: "Versioned entity state on DynamoDB or Postgres",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "warn",
			},
			&cli.StringFlag{
				Name:    "strategy",
				Usage:   "Versioning strategy: counter, replicated, transactional, or time-ordered",
				EnvVars: []string{"VERSIONING_STRATEGY"},
				Value:   string(versions.KindTransactional),
			},
			&cli.IntFlag{
				Name:    "conflict-retries",
				Usage:   "Attempts for transactional appends that lose a race",
				EnvVars: []string{"CONFLICT_RETRIES"},
				Value:   5,
			},
		}, cmd.BackendFlags()...),
		Commands: []*cli.Command{
			{
				Name:   "append",
				Usage:  "Append a version of an entity",
				Action: appendAction,
				Flags: []cli.Flag{
					idFlag(),
					&cli.StringFlag{
						Name:  "time",
						Usage: "Version time, defaults to the current time",
					},
					&cli.StringFlag{
						Name:     "state",
						Required: true,
					},
				},
			},
			{
				Name:   "latest",
				Usage:  "Read the latest version of an entity",
				Action: latestAction,
				Flags:  []cli.Flag{idFlag()},
			},
			{
				Name:   "get",
				Usage:  "Read a specific version of an entity",
				Action: getAction,
				Flags: []cli.Flag{
					idFlag(),
					&cli.StringFlag{
						Name:     "tag",
						Usage:    "Version number, history sort key, or t#<time>",
						Required: true,
					},
				},
			},
			{
				Name:   "audit",
				Usage:  "Compare the pointer of an entity with its history",
				Action: auditAction(false),
				Flags:  []cli.Flag{idFlag()},
			},
			{
				Name:   "repair",
				Usage:  "Restore the history record of the latest version",
				Action: auditAction(true),
				Flags:  []cli.Flag{idFlag()},
			},
			{
				Name:   "create-table",
				Usage:  "Create the DynamoDB table",
				Action: createTableAction,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "no-stream",
						Usage: "Don't enable the change stream",
					},
				},
			},
			{
				Name:   "migrate",
				Usage:  "Migrate the Postgres schema",
				Action: migrateAction,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "target",
						Usage: "Schema version to migrate to, defaults to the latest",
					},
				},
			},
			{
				Name:   "handle-stream-event",
				Usage:  "Materialise history records from a DynamoDB stream event",
				Action: handleStreamEventAction,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "file",
						Usage: "Read the event from a file instead of stdin",
					},
				},
			},
			{
				Name:   "replicate",
				Usage:  "Materialise history records from the Postgres change log",
				Action: replicateAction,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "addr",
						Usage:   "Address for the health and metrics server",
						EnvVars: []string{"HEALTH_ADDR"},
						Value:   ":1081",
					},
					&cli.BoolFlag{
						Name:  "profiling",
						Usage: "Enable the pprof endpoints",
					},
				},
			},
			{
				Name:   "archive",
				Usage:  "Write the history of entities to S3",
				Action: archiveAction,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:     "id",
						Usage:    "Entity ID, can be repeated",
						Required: true,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("failed to run versionstore",
			internal.LogKeyError, err)
		os.Exit(1)
	}
}

func idFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "id",
		Usage:    "Entity ID",
		Required: true,
	}
}

type env struct {
	logger  *slog.Logger
	conf    cmd.BackendConfig
	backend *cmd.Backend
}

func (e *env) Close() {
	if e.backend != nil {
		e.backend.Close()
	}
}

func setUp(c *cli.Context, openBackend bool) (*env, error) {
	logger := internal.SetUpLogger(c.String("log-level"), os.Stderr)

	conf, err := cmd.BackendConfigFromContext(c)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	e := env{
		logger: logger,
		conf:   conf,
	}

	if !openBackend {
		return &e, nil
	}

	backend, err := cmd.OpenBackend(c.Context, logger, conf)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", conf.Backend, err)
	}

	e.backend = backend

	return &e, nil
}

func (e *env) strategy(c *cli.Context) (versions.Strategy, error) {
	kind, err := versions.ParseKind(c.String("strategy"))
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	s, err := versions.New(kind, e.backend.Store, versions.Options{
		Logger: e.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create strategy: %w", err)
	}

	return s, nil
}

type versionOutput struct {
	ID      string `json:"id"`
	Version int64  `json:"version,omitempty"`
	Time    string `json:"time"`
	State   string `json:"state"`
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)

	enc.SetIndent("", "  ")

	err := enc.Encode(v)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	return nil
}

func printVersion(v *versions.Version) error {
	return printJSON(versionOutput{
		ID:      v.ID,
		Version: v.Version,
		Time:    v.Time,
		State:   string(v.State),
	})
}

func appendAction(c *cli.Context) error {
	e, err := setUp(c, true)
	if err != nil {
		return err
	}

	defer e.Close()

	s, err := e.strategy(c)
	if err != nil {
		return err
	}

	t := c.String("time")
	if t == "" {
		t = time.Now().UTC().Format(time.RFC3339Nano)
	}

	tag, err := versions.AppendWithRetry(c.Context, s,
		c.Int("conflict-retries"),
		c.String("id"), t, []byte(c.String("state")))
	if err != nil {
		return fmt.Errorf("append version: %w", err)
	}

	return printJSON(tag)
}

func latestAction(c *cli.Context) error {
	e, err := setUp(c, true)
	if err != nil {
		return err
	}

	defer e.Close()

	s, err := e.strategy(c)
	if err != nil {
		return err
	}

	v, err := s.GetLatestVersion(c.Context, c.String("id"))
	if err != nil {
		return fmt.Errorf("get latest version: %w", err)
	}

	return printVersion(v)
}

func getAction(c *cli.Context) error {
	e, err := setUp(c, true)
	if err != nil {
		return err
	}

	defer e.Close()

	s, err := e.strategy(c)
	if err != nil {
		return err
	}

	tag, err := versions.ParseTag(c.String("id"), c.String("tag"))
	if err != nil {
		return err //nolint:wrapcheck
	}

	v, err := s.GetVersion(c.Context, tag)
	if err != nil {
		return fmt.Errorf("get version: %w", err)
	}

	return printVersion(v)
}

func auditAction(repair bool) cli.ActionFunc {
	return func(c *cli.Context) error {
		e, err := setUp(c, true)
		if err != nil {
			return err
		}

		defer e.Close()

		auditor := versions.NewAuditor(e.logger, e.backend.Store)

		var report *versions.AuditReport

		if repair {
			report, err = auditor.Repair(c.Context, c.String("id"))
		} else {
			report, err = auditor.Audit(c.Context, c.String("id"))
		}

		if err != nil {
			return fmt.Errorf("audit: %w", err)
		}

		return printJSON(struct {
			*versions.AuditReport

			Consistent bool
		}{
			AuditReport: report,
			Consistent:  report.Consistent(),
		})
	}
}

func createTableAction(c *cli.Context) error {
	e, err := setUp(c, false)
	if err != nil {
		return err
	}

	client, err := cmd.DynamoDBClient(c.Context, e.conf)
	if err != nil {
		return err //nolint:wrapcheck
	}

	err = kv.EnsureTable(c.Context, client, e.conf.Table, kv.TableOptions{
		Stream: !c.Bool("no-stream"),
	})
	if err != nil {
		return fmt.Errorf("create table %q: %w", e.conf.Table, err)
	}

	return nil
}

func migrateAction(c *cli.Context) error {
	e, err := setUp(c, false)
	if err != nil {
		return err
	}

	conn, err := pgx.Connect(c.Context, e.conf.DB)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	defer conn.Close(context.WithoutCancel(c.Context))

	err = schema.Migrate(c.Context, conn, int32(c.Int("target")))
	if err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	e.logger.Info("database schema is up to date")

	return nil
}

func handleStreamEventAction(c *cli.Context) error {
	e, err := setUp(c, true)
	if err != nil {
		return err
	}

	defer e.Close()

	var in io.Reader = os.Stdin

	if name := c.String("file"); name != "" {
		f, err := os.Open(name)
		if err != nil {
			return fmt.Errorf("open event file: %w", err)
		}

		defer f.Close()

		in = f
	}

	evt, err := ddbstream.Parse(in)
	if err != nil {
		return err //nolint:wrapcheck
	}

	changes, err := ddbstream.ChangeEvents(e.logger, evt)
	if err != nil {
		return fmt.Errorf("decode stream records: %w", err)
	}

	sink, err := eventSink(c.Context, e)
	if err != nil {
		return err
	}

	processor, err := versions.NewStreamProcessor(e.backend.Store,
		versions.StreamProcessorOptions{
			Logger:            e.logger,
			Sink:              sink,
			MetricsRegisterer: prometheus.NewRegistry(),
		})
	if err != nil {
		return fmt.Errorf("create stream processor: %w", err)
	}

	done, err := processor.OnChangeEvents(c.Context, changes)
	if err != nil {
		return fmt.Errorf("processed %d of %d records: %w",
			done, len(changes), err)
	}

	return nil
}

// eventSink returns an EventBridge sink if an event bus has been configured.
func eventSink(ctx context.Context, e *env) (versions.VersionSink, error) {
	if e.conf.EventBus == "" {
		return nil, nil
	}

	var opts []func(*config.LoadOptions) error

	if e.conf.Region != "" {
		opts = append(opts, config.WithRegion(e.conf.Region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS SDK config: %w", err)
	}

	return sinks.NewEventBridge(eventbridge.NewFromConfig(cfg),
		sinks.EventBridgeOptions{
			Logger:       e.logger.With(internal.LogKeySink, "eventbridge"),
			EventBusName: e.conf.EventBus,
		}), nil
}

func replicateAction(c *cli.Context) error {
	e, err := setUp(c, true)
	if err != nil {
		return err
	}

	defer e.Close()

	feed := e.backend.Postgres
	if feed == nil {
		return errors.New("replication requires the postgres backend")
	}

	grace := internal.NewGracefulShutdown(e.logger, 10*time.Second)

	ctx := grace.CancelOnQuit(c.Context)
	stopCtx := grace.CancelOnStop(ctx)

	sink, err := eventSink(ctx, e)
	if err != nil {
		return err
	}

	processor, err := versions.NewStreamProcessor(feed,
		versions.StreamProcessorOptions{
			Logger: e.logger.With(
				internal.LogKeyComponent, "stream-processor"),
			Sink:              sink,
			MetricsRegisterer: prometheus.DefaultRegisterer,
		})
	if err != nil {
		return fmt.Errorf("create stream processor: %w", err)
	}

	replicator, err := versions.NewReplicator(versions.ReplicatorOptions{
		Logger:            e.logger.With(internal.LogKeyComponent, "replicator"),
		Feed:              feed,
		Positions:         feed,
		Processor:         processor,
		MetricsRegisterer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		return fmt.Errorf("create replicator: %w", err)
	}

	health := internal.NewHealthServer(c.String("addr"),
		internal.HealthServerOptions{
			Profiling: c.Bool("profiling"),
		})

	health.AddReadyFunction("postgres", func(ctx context.Context) error {
		_, err := feed.GetFeedPosition(ctx, "replicator")

		return err //nolint:wrapcheck
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	grp, gCtx := errgroup.WithContext(runCtx)

	grp.Go(func() error {
		feed.RunListener(gCtx)

		return nil
	})

	grp.Go(func() error {
		// The listener and health server go down with the replicator.
		defer cancel()

		replicator.Run(stopCtx)

		e.logger.Info("replicator stopped")

		return nil
	})

	grp.Go(func() error {
		err := health.ListenAndServe(gCtx)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	})

	err = grp.Wait()
	if err != nil {
		return fmt.Errorf("replication failed: %w", err)
	}

	return nil
}

func archiveAction(c *cli.Context) error {
	e, err := setUp(c, true)
	if err != nil {
		return err
	}

	defer e.Close()

	client, err := archive.S3Client(c.Context, e.conf.S3)
	if err != nil {
		return fmt.Errorf("create S3 client: %w", err)
	}

	archiver, err := archive.NewArchiver(e.backend.Store, client,
		archive.Options{
			Logger: e.logger,
			Bucket: e.conf.ArchiveBucket,
		})
	if err != nil {
		return fmt.Errorf("create archiver: %w", err)
	}

	for _, id := range c.StringSlice("id") {
		n, err := archiver.ArchiveEntity(c.Context, id)
		if err != nil {
			return fmt.Errorf("archive %q: %w", id, err)
		}

		err = printJSON(map[string]any{"id": id, "records": n})
		if err != nil {
			return err
		}
	}

	return nil
}
