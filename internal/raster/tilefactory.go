package raster

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/geofleet/tileflow/internal/model"
)

// TileFactory encodes pixel windows of a dataset into standalone tile files
// in the request's format and compression.
type TileFactory struct {
	ds          *Dataset
	format      string
	compression string
	tempDir     string
}

// NewTileFactory creates a factory writing tiles under tempDir.
func NewTileFactory(ds *Dataset, format, compression, tempDir string) *TileFactory {
	return &TileFactory{ds: ds, format: format, compression: compression, tempDir: tempDir}
}

// translateSwitches maps the tile format and compression onto gdal_translate
// style switches, mirroring the creation options the CV containers expect.
func translateSwitches(format, compression string, bounds model.Bounds) []string {
	switches := []string{
		"-srcwin",
		fmt.Sprintf("%d", bounds.Col), fmt.Sprintf("%d", bounds.Row),
		fmt.Sprintf("%d", bounds.Width), fmt.Sprintf("%d", bounds.Height),
	}
	format = strings.ToUpper(format)
	compression = strings.ToUpper(compression)
	switch format {
	case "NITF":
		switches = append(switches, "-of", "NITF")
		switch compression {
		case "J2K":
			switches = append(switches, "-co", "IC=C8")
		case "JPEG":
			switches = append(switches, "-co", "IC=C3")
		default:
			switches = append(switches, "-co", "IC=NC")
		}
	case "GTIFF":
		switches = append(switches, "-of", "GTiff")
		switch compression {
		case "JPEG":
			switches = append(switches, "-co", "COMPRESS=JPEG")
		case "LZW":
			switches = append(switches, "-co", "COMPRESS=LZW")
		default:
			switches = append(switches, "-co", "COMPRESS=NONE")
		}
	case "PNG":
		switches = append(switches, "-of", "PNG")
	case "JPEG":
		switches = append(switches, "-of", "JPEG")
	default:
		switches = append(switches, "-of", format)
	}
	return switches
}

func tileExtension(format string) string {
	switch strings.ToUpper(format) {
	case "NITF":
		return "ntf"
	case "GTIFF":
		return "tif"
	default:
		return strings.ToLower(format)
	}
}

// CreateTile encodes the pixel window into a new file and returns its path.
// GDAL does not always report failures through its error channel, so an
// absent or empty output file is also a creation failure.
func (f *TileFactory) CreateTile(bounds model.Bounds) (string, error) {
	name := fmt.Sprintf("%s-tile-%s.%s", uuid.NewString(), bounds.ID(), tileExtension(f.format))
	path := filepath.Join(f.tempDir, name)
	tileDS, err := f.ds.ds.Translate(path, translateSwitches(f.format, f.compression, bounds))
	if err != nil {
		return "", fmt.Errorf("encode tile %s: %w", bounds.ID(), err)
	}
	if err := tileDS.Close(); err != nil {
		return "", fmt.Errorf("close tile %s: %w", bounds.ID(), err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("tile %s was not created: %w", bounds.ID(), err)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("tile %s was created empty", bounds.ID())
	}
	return path, nil
}
