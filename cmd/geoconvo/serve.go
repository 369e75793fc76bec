package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alvmarrod/geoconvo/internal/config"
	"github.com/alvmarrod/geoconvo/internal/governor"
	"github.com/alvmarrod/geoconvo/internal/graph"
	"github.com/alvmarrod/geoconvo/internal/lookup"
	"github.com/alvmarrod/geoconvo/internal/metrics"
	"github.com/alvmarrod/geoconvo/internal/places"
	"github.com/alvmarrod/geoconvo/internal/publisher"
	"github.com/alvmarrod/geoconvo/internal/stream"
	"github.com/alvmarrod/geoconvo/internal/transport"
	"github.com/alvmarrod/geoconvo/internal/trends"
	"github.com/alvmarrod/geoconvo/internal/upstream"
	"github.com/alvmarrod/geoconvo/internal/version"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const clientSendBuffer = 32

// app holds every long-lived component of a serve run
type app struct {
	cfg       *config.Config
	tracker   *metrics.Tracker
	gazetteer *places.Gazetteer
	authors   *lookup.Authors
	posts     *lookup.Posts
	engine    *graph.Engine
	hub       *transport.Hub
	server    *transport.Server
	publisher *publisher.Publisher
	source    stream.Source
	poller    *trends.Poller
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logrus.Infof("geoconvo v%s starting...", version.Version)
	logrus.Infof("Configuration loaded: source=%s, mode=%s, workers=%d, max_links=%d",
		cfg.Stream.Source, cfg.Stream.Mode, cfg.Lookup.Workers, cfg.Graph.MaxLinks)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reason := "signal"
	var result *multierror.Error
	if err := a.run(ctx); err != nil {
		logrus.Errorf("Service failed: %v", err)
		reason = "error"
		result = multierror.Append(result, err)
	}

	logrus.Info("Initiating graceful shutdown...")
	if err := a.close(reason); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	logrus.Info("Graceful shutdown complete. Goodbye!")
	return nil
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, tracker: metrics.NewTracker()}

	gazetteer, err := places.Open(cfg.Places.DBPath, cfg.Places.CacheSize, a.tracker)
	if err != nil {
		return nil, fmt.Errorf("failed to open gazetteer: %w", err)
	}
	a.gazetteer = gazetteer

	count, err := gazetteer.CountPlaces()
	if err != nil {
		gazetteer.Close()
		return nil, err
	}
	if count == 0 {
		logrus.Warnf("Gazetteer %s is empty, run `geoconvo places import` first", cfg.Places.DBPath)
	}
	logrus.Infof("Gazetteer loaded: %s (%d places)", cfg.Places.DBPath, count)

	client := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.BearerToken, cfg.Upstream.UserAgent, cfg.RequestTimeout())
	gov := governor.New(client, a.tracker)

	lookupOpts := lookup.Options{
		Workers:       cfg.Lookup.Workers,
		QueueSize:     cfg.Lookup.QueueSize,
		CacheSize:     cfg.Lookup.CacheSize,
		CheckInterval: time.Duration(cfg.Lookup.RateCheckIntervalSec) * time.Second,
		MinRemaining:  cfg.Lookup.MinRemainingRequests,
		ErrorBackoff:  cfg.ErrorBackoff(),
	}
	a.authors = lookup.NewAuthors(lookupOpts, client, gov, a.tracker)
	a.posts = lookup.NewPosts(lookupOpts, client, gov, a.authors, a.tracker)

	a.engine = graph.NewEngine(graph.Options{
		MaxLinks:          cfg.Graph.MaxLinks,
		TagBucketSize:     cfg.Graph.TagBucketSize,
		RecentPostsPerTag: cfg.Graph.RecentPostsPerTag,
		MaxChainDepth:     cfg.Graph.MaxChainDepth,
	}, gazetteer, a.posts, a.tracker)

	a.hub = transport.NewHub(cfg.Server.MaxConnsPerHost, clientSendBuffer, a.tracker)
	a.server = transport.NewServer(cfg.Server.Addr, a.hub, a.tracker)

	a.publisher = publisher.New(publisher.Options{
		Interval:               cfg.PublishInterval(),
		MaxAgeMs:               cfg.Publish.MaxAgeMs,
		MaxLinksPerType:        cfg.Publish.MaxLinksPerType,
		StartupMaxAgeMs:        cfg.Publish.StartupMaxAgeMs,
		StartupMaxLinksPerType: cfg.Publish.StartupMaxLinksPerType,
		MaxEntitiesPerEnd:      cfg.Publish.MaxEntitiesPerEnd,
		MaxPostsPerLink:        cfg.Publish.MaxPostsPerLink,
		ProfileURLPrefix:       cfg.Publish.ProfileURLPrefix,
		Topic:                  cfg.Publish.Topic,
	}, a.engine, a.authors, a.hub, a.tracker)
	a.hub.OnStartup(a.publisher.HandleStartup)

	if cfg.Trends.Enabled {
		a.poller = trends.New(trends.Options{
			Interval:  time.Duration(cfg.Trends.IntervalMin) * time.Minute,
			MaxPlaces: cfg.Trends.MaxPlaces,
			MaxTerms:  cfg.Trends.MaxTerms,
		}, client, gov, a.tracker)
	}

	switch cfg.Stream.Source {
	case config.SourceKafka:
		a.source = stream.NewKafkaSource(stream.KafkaOptions{
			Brokers:    cfg.Stream.Brokers,
			Topic:      cfg.Stream.Topic,
			GroupID:    cfg.Stream.GroupID,
			RetryDelay: cfg.ReconnectDelay(),
		}, a.tracker)
	default:
		var keywords func() []string
		if a.poller != nil {
			keywords = a.poller.Terms
		}
		source := stream.NewHTTPSource(stream.HTTPOptions{
			URL:            cfg.Upstream.StreamURL,
			BearerToken:    cfg.Upstream.BearerToken,
			UserAgent:      cfg.Upstream.UserAgent,
			Mode:           cfg.Stream.Mode,
			BoundingBox:    cfg.Stream.BoundingBox,
			ConnectTimeout: cfg.RequestTimeout(),
			ReconnectDelay: cfg.ReconnectDelay(),
		}, keywords, a.tracker)
		if cfg.Stream.Mode == config.ModeTrends && a.poller != nil {
			a.poller.OnChange(func(terms []string) {
				logrus.Infof("Trending terms changed (%d), restarting stream", len(terms))
				source.Restart()
			})
		}
		a.source = source
	}

	return a, nil
}

// run starts every loop and blocks until ctx is done or one of them fails
func (a *app) run(ctx context.Context) error {
	a.authors.Start()
	a.posts.Start()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Run(ctx) })
	g.Go(func() error { return a.publisher.Run(ctx) })
	g.Go(func() error { return a.source.Run(ctx, a.engine.Handle) })
	if a.poller != nil {
		g.Go(func() error { return a.poller.Run(ctx) })
	}
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				logrus.Info(a.tracker.LogProgress())
			case <-ctx.Done():
				return nil
			}
		}
	})

	return g.Wait()
}

// close stops the workers, releases resources and writes the final metrics
func (a *app) close(reason string) error {
	var result *multierror.Error

	logrus.Info("Step 1/3: Stopping lookup workers...")
	a.posts.Stop()
	a.authors.Stop()

	logrus.Info("Step 2/3: Closing connections...")
	if err := a.hub.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if kafka, ok := a.source.(*stream.KafkaSource); ok {
		if err := kafka.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := a.gazetteer.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close gazetteer: %w", err))
	}

	logrus.Info("Step 3/3: Writing final metrics...")
	logrus.Info("Final stats: " + a.tracker.LogProgress())
	if err := a.tracker.WriteToFile(a.cfg.MetricsPath, reason); err != nil {
		result = multierror.Append(result, err)
	} else {
		logrus.Infof("Metrics written to %s", a.cfg.MetricsPath)
	}

	return result.ErrorOrNil()
}
