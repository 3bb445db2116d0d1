package release

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/deskthing/deskthingd/internal/util"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

var log = util.GetLogger("release")

const githubAPI = "https://api.github.com"

// Source provides releases of a repository
type Source interface {
	LatestRelease(ctx context.Context, owner string, repo string) (Release, error)
	ListReleases(ctx context.Context, owner string, repo string) ([]Release, error)
}

// GithubClient fetches releases from the GitHub REST API
type GithubClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewGithubClient creates a client. The token is optional and only raises the rate limit
func NewGithubClient(token string) *GithubClient {
	return &GithubClient{baseURL: githubAPI, token: token, client: &http.Client{Timeout: 30 * time.Second}}
}

// WithBaseURL points the client at a different API root
func (gc *GithubClient) WithBaseURL(url string) *GithubClient {
	gc.baseURL = strings.TrimSuffix(url, "/")
	return gc
}

// LatestRelease returns the latest published release of a repository
func (gc *GithubClient) LatestRelease(ctx context.Context, owner string, repo string) (Release, error) {
	body, err := gc.get(ctx, fmt.Sprintf("/repos/%s/%s/releases/latest", owner, repo))
	if err != nil {
		return Release{}, errors.Wrapf(err, "Failed to retrieve latest release of '%s/%s'", owner, repo)
	}
	return parseRelease(owner+"/"+repo, gjson.ParseBytes(body)), nil
}

// ListReleases returns the releases of a repository, newest first as returned by GitHub
func (gc *GithubClient) ListReleases(ctx context.Context, owner string, repo string) ([]Release, error) {
	body, err := gc.get(ctx, fmt.Sprintf("/repos/%s/%s/releases?per_page=100", owner, repo))
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to retrieve releases of '%s/%s'", owner, repo)
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.Errorf("Invalid JSON in release list of '%s/%s'", owner, repo)
	}

	rls := []Release{}
	gjson.ParseBytes(body).ForEach(func(_, value gjson.Result) bool {
		if value.Get("draft").Bool() {
			return true
		}
		rls = append(rls, parseRelease(owner+"/"+repo, value))
		return true
	})
	return rls, nil
}

func (gc *GithubClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gc.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if gc.token != "" {
		req.Header.Set("Authorization", "Bearer "+gc.token)
	}

	resp, err := gc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := util.HTTPBadResponse(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func parseRelease(repo string, value gjson.Result) Release {
	tag := value.Get("tag_name").String()
	rl := Release{
		Repo:       repo,
		Tag:        tag,
		Version:    strings.TrimPrefix(tag, "v"),
		Name:       value.Get("name").String(),
		Notes:      value.Get("body").String(),
		Prerelease: value.Get("prerelease").Bool(),
		Assets:     []Asset{},
	}
	if published := value.Get("published_at").String(); published != "" {
		if ts, err := time.Parse(time.RFC3339, published); err == nil {
			rl.ReleaseDate = ts
		}
	}
	value.Get("assets").ForEach(func(_, asset gjson.Result) bool {
		rl.Assets = append(rl.Assets, Asset{
			Name:        asset.Get("name").String(),
			URL:         asset.Get("browser_download_url").String(),
			Size:        asset.Get("size").Int(),
			ContentType: asset.Get("content_type").String(),
		})
		return true
	})
	return rl
}

// SplitRepo splits an "owner/repo" reference
func SplitRepo(ref string) (string, string, error) {
	ref = strings.TrimPrefix(strings.TrimSuffix(ref, ".git"), "https://github.com/")
	parts := strings.Split(strings.Trim(ref, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", util.NewTypedError(util.ErrValidation, "invalid repository reference '%s', expected owner/repo", ref)
	}
	return parts[0], parts[1], nil
}
