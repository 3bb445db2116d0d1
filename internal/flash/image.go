package flash

import (
	"os"
	"path/filepath"

	"github.com/deskthing/deskthingd/internal/util"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

const imageManifest = "image.json"

// Partition is a single partition written during a flash
type Partition struct {
	Name string `json:"name"`
	File string `json:"file"`
	Size int64  `json:"size"`
}

// Image describes a firmware image on disk. A directory image carries an image.json manifest
// listing its partitions; a single file is written as one partition
type Image struct {
	Path       string      `json:"path"`
	Version    string      `json:"version,omitempty"`
	Partitions []Partition `json:"partitions"`
}

// Steps returns the number of pipeline steps needed to flash the image
func (img Image) Steps() int {
	return fixedSteps + len(img.Partitions)
}

// LoadImage validates an image path and reads its metadata
func LoadImage(path string) (Image, error) {
	if path == "" {
		return Image{}, util.NewTypedError(util.ErrValidation, "no image path provided")
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Image{}, util.NewTypedError(util.ErrNotFound, "image '%s' does not exist", path)
		}
		return Image{}, errors.Wrapf(err, "Failed to inspect image '%s'", path)
	}

	if !fi.IsDir() {
		if fi.Size() == 0 {
			return Image{}, util.NewTypedError(util.ErrValidation, "image '%s' is empty", path)
		}
		return Image{Path: path, Partitions: []Partition{{Name: "image", File: path, Size: fi.Size()}}}, nil
	}

	manifest := filepath.Join(path, imageManifest)
	data, err := os.ReadFile(manifest)
	if err != nil {
		return Image{}, util.NewTypedError(util.ErrValidation, "image directory '%s' has no %s", path, imageManifest)
	}
	if !gjson.ValidBytes(data) {
		return Image{}, util.NewTypedError(util.ErrValidation, "invalid JSON in '%s'", manifest)
	}

	meta := gjson.ParseBytes(data)
	img := Image{Path: path, Version: meta.Get("version").String(), Partitions: []Partition{}}
	var perr error
	meta.Get("partitions").ForEach(func(_, value gjson.Result) bool {
		part := Partition{Name: value.Get("name").String(), File: value.Get("file").String()}
		if part.Name == "" || part.File == "" {
			perr = util.NewTypedError(util.ErrValidation, "partition entries in '%s' need a name and a file", manifest)
			return false
		}
		file := filepath.Join(path, part.File)
		pfi, err := os.Stat(file)
		if err != nil {
			perr = util.NewTypedError(util.ErrValidation, "partition file '%s' is missing", part.File)
			return false
		}
		part.File = file
		part.Size = pfi.Size()
		img.Partitions = append(img.Partitions, part)
		return true
	})
	if perr != nil {
		return Image{}, perr
	}
	if len(img.Partitions) == 0 {
		return Image{}, util.NewTypedError(util.ErrValidation, "image '%s' declares no partitions", path)
	}
	return img, nil
}
