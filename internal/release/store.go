package release

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/deskthing/deskthingd/internal/events"
	"github.com/deskthing/deskthingd/internal/progress"
	"github.com/deskthing/deskthingd/internal/util"

	"github.com/pkg/errors"
)

// Name is the registry name of the release store
const Name = "release"

// RepoReleases groups the releases of one repository, newest first
type RepoReleases struct {
	Repo      string    `json:"repo"`
	Releases  []Release `json:"releases"`
	FetchedAt time.Time `json:"fetched-at"`
	Error     string    `json:"error,omitempty"`
}

type cacheFile struct {
	Timestamp   time.Time               `json:"timestamp"`
	ClientRepos []string                `json:"client-repos"`
	AppRepos    []string                `json:"app-repos"`
	Client      map[string]RepoReleases `json:"client"`
	App         map[string]RepoReleases `json:"app"`
}

// Store keeps the client and app releases of the configured repositories
type Store struct {
	access   sync.Mutex
	refresh  sync.Mutex
	src      Source
	pub      events.Publisher
	progress *progress.Bus
	path     string
	ttl      time.Duration
	cache    cacheFile
}

// NewStore creates a release store backed by the cache file at path
func NewStore(src Source, pub events.Publisher, pb *progress.Bus, path string, ttl time.Duration, clientRepos []string, appRepos []string) *Store {
	return &Store{
		src:      src,
		pub:      pub,
		progress: pb,
		path:     path,
		ttl:      ttl,
		cache: cacheFile{
			ClientRepos: append([]string{}, clientRepos...),
			AppRepos:    append([]string{}, appRepos...),
			Client:      map[string]RepoReleases{},
			App:         map[string]RepoReleases{},
		},
	}
}

// Name returns the registry name of the store
func (s *Store) Name() string {
	return Name
}

// Load reads the cache file. A missing file is not an error. Repositories stored in the file are
// merged with the configured ones
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "Failed to read release cache '%s'", s.path)
	}
	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		log.Warnf("Ignoring corrupt release cache '%s': %s", s.path, err.Error())
		return nil
	}

	s.access.Lock()
	defer s.access.Unlock()
	s.cache.Timestamp = cf.Timestamp
	s.cache.ClientRepos = mergeRepos(s.cache.ClientRepos, cf.ClientRepos)
	s.cache.AppRepos = mergeRepos(s.cache.AppRepos, cf.AppRepos)
	for repo, rr := range cf.Client {
		s.cache.Client[repo] = rr
	}
	for repo, rr := range cf.App {
		s.cache.App[repo] = rr
	}
	return nil
}

// Refresh refetches all repositories when forced or when the cache is older than the TTL. A failing
// repository keeps its previously cached releases; an error is only returned when every fetch failed
func (s *Store) Refresh(ctx context.Context, force bool) error {
	s.refresh.Lock()
	defer s.refresh.Unlock()

	s.access.Lock()
	stale := s.cache.Timestamp.IsZero() || time.Since(s.cache.Timestamp) > s.ttl
	clientRepos := append([]string{}, s.cache.ClientRepos...)
	appRepos := append([]string{}, s.cache.AppRepos...)
	s.access.Unlock()
	if !force && !stale {
		log.Debug("Release cache is still valid, skipping refresh")
		return nil
	}

	total := len(clientRepos) + len(appRepos)
	s.progress.Start(progress.ReleaseRefresh, "Refresh-Releases", "Fetching releases")
	done, failed := 0, 0
	var lastErr error
	fetchAll := func(repos []string, client bool) {
		for _, repo := range repos {
			rr, err := s.fetch(ctx, repo)
			done++
			s.access.Lock()
			target := s.cache.App
			if client {
				target = s.cache.Client
			}
			if err != nil {
				failed++
				lastErr = err
				log.Errorf("Failed to refresh releases of '%s': %s", repo, err.Error())
				prev := target[repo]
				prev.Repo = repo
				prev.Error = err.Error()
				target[repo] = prev
			} else {
				target[repo] = rr
			}
			s.access.Unlock()
			s.progress.Update(progress.ReleaseRefresh, "Fetched "+repo, float64(done)/float64(total))
		}
	}
	fetchAll(clientRepos, true)
	fetchAll(appRepos, false)

	if total > 0 && failed == total {
		s.progress.Error(progress.ReleaseRefresh, "Failed to refresh releases", lastErr)
		return util.WrapTyped(lastErr, util.ErrExternal, "failed to refresh releases")
	}

	s.access.Lock()
	s.cache.Timestamp = time.Now()
	s.access.Unlock()
	s.progress.Complete(progress.ReleaseRefresh, "Releases refreshed")

	if err := s.SaveToFile(ctx); err != nil {
		log.Error(err.Error())
	}
	s.notify()
	return nil
}

func (s *Store) fetch(ctx context.Context, repo string) (RepoReleases, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return RepoReleases{}, err
	}
	rls, err := s.src.ListReleases(ctx, owner, name)
	if err != nil {
		return RepoReleases{}, err
	}
	return RepoReleases{Repo: repo, Releases: NewReleases(rls).Sorted(), FetchedAt: time.Now()}, nil
}

func (s *Store) ensureFresh(ctx context.Context) {
	if err := s.Refresh(ctx, false); err != nil {
		log.Warnf("Serving cached releases: %s", err.Error())
	}
}

// ClientReleases returns the releases of the client repositories, refreshing a stale cache first
func (s *Store) ClientReleases(ctx context.Context) []RepoReleases {
	s.ensureFresh(ctx)
	s.access.Lock()
	defer s.access.Unlock()
	return collect(s.cache.ClientRepos, s.cache.Client)
}

// AppReleases returns the releases of the app repositories, refreshing a stale cache first
func (s *Store) AppReleases(ctx context.Context) []RepoReleases {
	s.ensureFresh(ctx)
	s.access.Lock()
	defer s.access.Unlock()
	return collect(s.cache.AppRepos, s.cache.App)
}

// Community returns the app repositories the store tracks
func (s *Store) Community() []string {
	s.access.Lock()
	defer s.access.Unlock()
	return append([]string{}, s.cache.AppRepos...)
}

// AddRepo starts tracking an app repository and fetches its releases
func (s *Store) AddRepo(ctx context.Context, repo string) (RepoReleases, error) {
	if _, _, err := SplitRepo(repo); err != nil {
		return RepoReleases{}, err
	}
	rr, err := s.fetch(ctx, repo)
	if err != nil {
		return RepoReleases{}, util.WrapTyped(err, util.ErrExternal, "failed to add repository "+repo)
	}

	s.access.Lock()
	if found, _ := util.StringInSlice(repo, s.cache.AppRepos); !found {
		s.cache.AppRepos = append(s.cache.AppRepos, repo)
	}
	s.cache.App[repo] = rr
	s.access.Unlock()

	if err := s.SaveToFile(ctx); err != nil {
		log.Error(err.Error())
	}
	s.notify()
	return rr, nil
}

// RemoveRepo stops tracking an app repository
func (s *Store) RemoveRepo(ctx context.Context, repo string) error {
	s.access.Lock()
	found, idx := util.StringInSlice(repo, s.cache.AppRepos)
	if !found {
		s.access.Unlock()
		return util.NewTypedError(util.ErrNotFound, "repository '%s' is not tracked", repo)
	}
	s.cache.AppRepos = append(s.cache.AppRepos[:idx], s.cache.AppRepos[idx+1:]...)
	delete(s.cache.App, repo)
	s.access.Unlock()

	if err := s.SaveToFile(ctx); err != nil {
		log.Error(err.Error())
	}
	s.notify()
	return nil
}

// ClearCache drops the fetched releases, keeping the tracked repositories
func (s *Store) ClearCache(ctx context.Context) error {
	s.access.Lock()
	defer s.access.Unlock()
	s.cache.Timestamp = time.Time{}
	s.cache.Client = map[string]RepoReleases{}
	s.cache.App = map[string]RepoReleases{}
	return nil
}

// SaveToFile writes the cache file atomically
func (s *Store) SaveToFile(ctx context.Context) error {
	s.access.Lock()
	data, err := json.MarshalIndent(s.cache, "", "  ")
	s.access.Unlock()
	if err != nil {
		return errors.Wrap(err, "Failed to encode release cache")
	}
	if err := util.WriteFileAtomic(s.path, data, 0644); err != nil {
		return errors.Wrap(err, "Failed to save release cache")
	}
	return nil
}

func (s *Store) notify() {
	s.access.Lock()
	client := collect(s.cache.ClientRepos, s.cache.Client)
	app := collect(s.cache.AppRepos, s.cache.App)
	community := append([]string{}, s.cache.AppRepos...)
	s.access.Unlock()

	s.pub.Publish(events.ReleaseClient, client)
	s.pub.Publish(events.ReleaseApp, app)
	s.pub.Publish(events.ReleaseCommunity, community)
}

func collect(repos []string, cached map[string]RepoReleases) []RepoReleases {
	out := make([]RepoReleases, 0, len(repos))
	for _, repo := range repos {
		rr, found := cached[repo]
		if !found {
			rr = RepoReleases{Repo: repo}
		}
		if rr.Releases == nil {
			rr.Releases = []Release{}
		}
		out = append(out, rr)
	}
	return out
}

func mergeRepos(a []string, b []string) []string {
	seen := map[string]bool{}
	merged := []string{}
	for _, repo := range append(append([]string{}, a...), b...) {
		if !seen[repo] {
			seen[repo] = true
			merged = append(merged, repo)
		}
	}
	sort.Strings(merged)
	return merged
}
