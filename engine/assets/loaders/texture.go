package loaders

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

type TextureInfo struct {
	Path   string
	Width  int
	Height int
	Format string
}

// InspectTexture reads only the image header of path.
func InspectTexture(path string) (TextureInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return TextureInfo{}, err
	}
	defer file.Close()

	cfg, format, err := image.DecodeConfig(file)
	if err != nil {
		return TextureInfo{}, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return TextureInfo{}, fmt.Errorf("%s: empty image", path)
	}
	return TextureInfo{Path: path, Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}
