package release

import (
	"sort"
	"time"

	"github.com/Masterminds/semver"
	"github.com/pkg/errors"
)

// Asset is a downloadable file attached to a release
type Asset struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	ContentType string `json:"content-type,omitempty"`
}

// Release is a single published version of a repository
type Release struct {
	Repo        string    `json:"repo"`
	Tag         string    `json:"tag"`
	Version     string    `json:"version"`
	Name        string    `json:"name"`
	Notes       string    `json:"notes,omitempty"`
	Prerelease  bool      `json:"prerelease"`
	ReleaseDate time.Time `json:"release-date"`
	Assets      []Asset   `json:"assets"`
}

// Releases is a collection of releases keyed by version
type Releases struct {
	Releases map[string]Release
}

// NewReleases indexes a list of releases by version. Releases without a valid semantic version are skipped
func NewReleases(rls []Release) Releases {
	idx := Releases{Releases: map[string]Release{}}
	for _, rl := range rls {
		v, err := semver.NewVersion(rl.Version)
		if err != nil {
			log.Debugf("Skipping release '%s' of '%s': %s", rl.Tag, rl.Repo, err.Error())
			continue
		}
		idx.Releases[v.String()] = rl
	}
	return idx
}

//
// Releases methods
//

// GetLatest returns the latest version from the Releases collection
func (rls Releases) GetLatest() (Release, error) {
	var vs []*semver.Version
	for version := range rls.Releases {
		v, err := semver.NewVersion(version)
		if err != nil {
			return Release{}, errors.Wrap(err, "Error parsing version")
		}
		vs = append(vs, v)
	}

	if len(vs) == 0 {
		return Release{}, errors.New("Could not get latest release. 0 releases found")
	}
	vc := semver.Collection(vs)
	sort.Sort(vc)
	return rls.Releases[vc[len(vc)-1].String()], nil
}

// GetVersion takes a version as string and returns a Release struct
func (rls Releases) GetVersion(version string) (Release, error) {
	_, err := semver.NewVersion(version)
	if err != nil {
		return Release{}, errors.Wrapf(err, "Cant parse version '%s'", version)
	}
	versionConstraint, err := semver.NewConstraint("= " + version)
	if err != nil {
		return Release{}, errors.Wrap(err, "Error parsing version")
	}

	for lversion, release := range rls.Releases {
		v, err := semver.NewVersion(lversion)
		if err != nil {
			return Release{}, errors.Wrap(err, "Error parsing version from releases list")
		}
		if versionConstraint.Check(v) {
			return release, nil
		}
	}
	return Release{}, errors.Errorf("Failed to find a release with version '%s'", version)
}

// NewerThan returns the latest release if it is newer than the provided version
func (rls Releases) NewerThan(current string) (Release, bool, error) {
	cv, err := semver.NewVersion(current)
	if err != nil {
		return Release{}, false, errors.Wrapf(err, "Cant parse current version '%s'", current)
	}
	latest, err := rls.GetLatest()
	if err != nil {
		return Release{}, false, err
	}
	lv, err := semver.NewVersion(latest.Version)
	if err != nil {
		return Release{}, false, errors.Wrap(err, "Error parsing latest version")
	}
	return latest, lv.GreaterThan(cv), nil
}

// Sorted returns the releases ordered from newest to oldest
func (rls Releases) Sorted() []Release {
	vs := make([]*semver.Version, 0, len(rls.Releases))
	for version := range rls.Releases {
		if v, err := semver.NewVersion(version); err == nil {
			vs = append(vs, v)
		}
	}
	sort.Sort(sort.Reverse(semver.Collection(vs)))
	sorted := make([]Release, 0, len(vs))
	for _, v := range vs {
		sorted = append(sorted, rls.Releases[v.String()])
	}
	return sorted
}

//
// Release methods
//

// FindAsset returns the first asset whose name passes the filter
func (rl Release) FindAsset(filter func(name string) bool) (Asset, error) {
	for _, asset := range rl.Assets {
		if filter(asset.Name) {
			return asset, nil
		}
	}
	return Asset{}, errors.Errorf("Release '%s' of '%s' has no matching asset", rl.Tag, rl.Repo)
}
