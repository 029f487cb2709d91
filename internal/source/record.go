package source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/your-org/mediamigrate/internal/asset"
	"github.com/your-org/mediamigrate/internal/metadata"
)

// scalar is a provider value that may arrive as a JSON string, number or
// boolean. Providers are inconsistent about quoting numbers.
type scalar string

func (s *scalar) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*s = ""
	case len(b) > 0 && b[0] == '"':
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = scalar(strings.TrimSpace(str))
	default:
		*s = scalar(b)
	}
	return nil
}

func (s scalar) int() int {
	f, err := strconv.ParseFloat(string(s), 64)
	if err != nil {
		return 0
	}
	return int(f)
}

func (s scalar) float() (float64, bool) {
	f, err := strconv.ParseFloat(string(s), 64)
	return f, err == nil
}

func (s scalar) bool() bool {
	switch strings.ToLower(string(s)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// unix parses seconds since the epoch.
func (s scalar) unix() time.Time {
	n, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}

type manifest struct {
	Containers []rawContainer `json:"containers"`
	Assets     []rawAsset     `json:"assets"`
}

type rawContainer struct {
	ID          scalar `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (c rawContainer) container() metadata.Container {
	return metadata.Container{ID: string(c.ID), Name: c.Title, Description: c.Description}
}

type rawCamera struct {
	Make        string `json:"make"`
	Model       string `json:"model"`
	Exposure    string `json:"exposure"`
	Aperture    string `json:"aperture"`
	FocalLength string `json:"focalLength"`
	ISO         scalar `json:"iso"`
}

// rawAsset is one provider record as listed in the manifest.
type rawAsset struct {
	ID             scalar            `json:"id"`
	Media          string            `json:"media"`
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	Tags           asset.RawTags     `json:"tags"`
	OriginalFormat string            `json:"originalformat"`
	ContainerID    scalar            `json:"containerId"`
	URLOriginal    string            `json:"url_o"`
	URLLarge       string            `json:"url_l"`
	URLArchive     string            `json:"url_archive"`
	Width          scalar            `json:"width"`
	Height         scalar            `json:"height"`
	Size           scalar            `json:"size"`
	Views          scalar            `json:"views"`
	DateTaken      string            `json:"datetaken"`
	DateUpload     scalar            `json:"dateupload"`
	LastUpdate     scalar            `json:"lastupdate"`
	Latitude       scalar            `json:"latitude"`
	Longitude      scalar            `json:"longitude"`
	Accuracy       scalar            `json:"accuracy"`
	IsPublic       scalar            `json:"ispublic"`
	IsFriend       scalar            `json:"isfriend"`
	IsFamily       scalar            `json:"isfamily"`
	License        scalar            `json:"license"`
	Camera         *rawCamera        `json:"camera"`
	Extra          map[string]string `json:"extra"`
}

var takenLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

func parseTaken(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range takenLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// locations lists download URLs highest fidelity first, skipping blanks and
// duplicates.
func (r rawAsset) locations() []string {
	var out []string
	for _, u := range []string{r.URLOriginal, r.URLLarge, r.URLArchive} {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		dup := false
		for _, seen := range out {
			dup = dup || seen == u
		}
		if !dup {
			out = append(out, u)
		}
	}
	return out
}

// descriptor converts the record. A record with an unknown media label is an error.
func (r rawAsset) descriptor(containers map[string]metadata.Container) (asset.Descriptor, error) {
	kind := asset.KindImage
	if r.Media != "" {
		k, err := asset.ParseKind(r.Media)
		if err != nil {
			return asset.Descriptor{}, fmt.Errorf("asset %s: %w", r.ID, err)
		}
		kind = k
	}

	attrs := asset.Attributes{
		Title:       r.Title,
		Description: r.Description,
		Tags:        r.Tags,
		Format:      r.OriginalFormat,
		CapturedAt:  parseTaken(r.DateTaken),
		ModifiedAt:  r.LastUpdate.unix(),
		UploadedAt:  r.DateUpload.unix(),
		Width:       r.Width.int(),
		Height:      r.Height.int(),
		SizeBytes:   int64(r.Size.int()),
		Views:       r.Views.int(),
		License:     string(r.License),
		Extra:       r.Extra,
	}
	if r.Camera != nil {
		attrs.Camera = &asset.Camera{
			Make:        r.Camera.Make,
			Model:       r.Camera.Model,
			Exposure:    r.Camera.Exposure,
			Aperture:    r.Camera.Aperture,
			FocalLength: r.Camera.FocalLength,
			ISO:         r.Camera.ISO.int(),
		}
	}
	lat, latOK := r.Latitude.float()
	lon, lonOK := r.Longitude.float()
	// Providers report 0,0 for "no location".
	if latOK && lonOK && (lat != 0 || lon != 0) {
		attrs.Geo = &asset.Geo{Latitude: lat, Longitude: lon, Accuracy: r.Accuracy.int()}
	}
	if r.IsPublic != "" || r.IsFriend != "" || r.IsFamily != "" {
		attrs.Visibility = &asset.Visibility{Public: r.IsPublic.bool(), Friends: r.IsFriend.bool(), Family: r.IsFamily.bool()}
	}

	id := string(r.ID)
	containerID := string(r.ContainerID)
	return asset.Descriptor{
		ID:              id,
		Kind:            kind,
		DisplayName:     asset.DisplayName(r.Title, id, r.OriginalFormat, kind),
		ContainerID:     containerID,
		ContainerName:   containers[containerID].Name,
		SourceLocations: r.locations(),
		Attributes:      attrs,
	}, nil
}
