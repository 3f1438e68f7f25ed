package files

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".bmp":  true,
	".svg":  true,
}

// IsImage reports whether the file name has an image extension.
func IsImage(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// ImageDataURL reads an image and returns it as a base64 data URL. The
// media subtype is the lowercased file extension.
func ImageDataURL(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("image file not found at %s", path)
		}
		return "", fmt.Errorf("reading image: %w", err)
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ext == "svg" {
		ext = "svg+xml"
	}
	return "data:image/" + ext + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// ListImages returns the sorted names of image files directly inside dir.
// A missing directory has no images.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing images: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && IsImage(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
