package updater

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"trackguard/internal/config"
	"trackguard/internal/repository"
)

// Result is the outcome of refreshing one source.
type Result struct {
	Source      string
	NotModified bool
	Rows        int
	Err         error
}

type Updater struct {
	db     *repository.DomainDB
	client *http.Client
	logger *zap.Logger
}

func New(db *repository.DomainDB, logger *zap.Logger) *Updater {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Updater{
		db:     db,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logger,
	}
}

// Run refreshes every source concurrently and returns one Result per source,
// in the order given.
func (u *Updater) Run(ctx context.Context, sources []config.SourceConfig) []Result {
	results := make([]Result, len(sources))

	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, s config.SourceConfig) {
			defer wg.Done()
			results[i] = u.processSource(ctx, s)
			if results[i].Err != nil {
				u.logger.Error("source update failed", zap.String("source", s.Name), zap.Error(results[i].Err))
			}
		}(i, src)
	}

	wg.Wait()
	return results
}

func (u *Updater) processSource(ctx context.Context, src config.SourceConfig) Result {
	res := Result{Source: src.Name}
	log := u.logger.With(zap.String("source", src.Name), zap.String("format", src.Format))
	log.Info("checking source")

	// Name + URL keeps ETags apart when a source is repointed.
	etagKey := src.Name + "_" + src.URL
	currentETag := u.db.GetETag(etagKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		res.Err = fmt.Errorf("build request: %w", err)
		return res
	}
	if currentETag != "" {
		req.Header.Set("If-None-Match", currentETag)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		res.Err = fmt.Errorf("fetch: %w", err)
		return res
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		log.Info("up to date")
		res.NotModified = true
		return res
	}
	if resp.StatusCode != http.StatusOK {
		res.Err = fmt.Errorf("unexpected status %d", resp.StatusCode)
		return res
	}

	// Cancelling passCtx before the channel closes rolls the whole pass back.
	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		count    int
		syncErr  error
		parseErr error
	)
	done := make(chan struct{})
	if strings.EqualFold(src.Format, "entities") {
		entityChan := make(chan repository.EntityDomain, 2000)
		go func() {
			defer close(done)
			count, syncErr = u.db.StreamEntities(passCtx, entityChan, src.Name)
		}()
		parseErr = repository.ParseEntities(resp.Body, entityChan, src)
		if parseErr != nil {
			cancel()
		}
		close(entityChan)
	} else {
		domainChan := make(chan repository.BlockedDomain, 2000)
		go func() {
			defer close(done)
			count, syncErr = u.db.StreamSync(passCtx, domainChan, src.Name)
		}()
		parseErr = repository.ParseAndStream(resp.Body, domainChan, src)
		if parseErr != nil {
			cancel()
		}
		close(domainChan)
	}
	<-done

	if parseErr != nil {
		res.Err = fmt.Errorf("parse: %w", parseErr)
		return res
	}
	if syncErr != nil {
		res.Err = fmt.Errorf("store: %w", syncErr)
		return res
	}

	res.Rows = count
	log.Info("source updated", zap.Int("rows", count))

	if newETag := resp.Header.Get("ETag"); newETag != "" {
		if err := u.db.UpdateETag(etagKey, newETag); err != nil {
			log.Warn("failed to store etag", zap.Error(err))
		}
	}
	return res
}
