package routes

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"renditiond/breakpoints"
	"renditiond/descriptors"
	"renditiond/logger"
	"renditiond/models"
)

const (
	cacheControl = "public, max-age=2592000, immutable"
	maxBodyBytes = 1 << 20
)

type cropBody struct {
	// Mode is "direct" or "smart".
	Mode   string      `json:"mode"`
	Rect   models.Rect `json:"rect"`
	Target models.Size `json:"target"`
}

// RegisterRequest is the body of POST /renditions. Provide sizes, or
// resolutions and a container, or a container.
type RegisterRequest struct {
	Path               string            `json:"path"`
	Sizes              string            `json:"sizes,omitempty"`
	Resolutions        []int             `json:"resolutions,omitempty"`
	Container          *models.Container `json:"container,omitempty"`
	Crop               *cropBody         `json:"crop,omitempty"`
	Lossless           bool              `json:"lossless,omitempty"`
	TargetRatio        *float64          `json:"targetRatio,omitempty"`
	RatioDiffThreshold *float64          `json:"ratioDiffThreshold,omitempty"`
	ThumbnailSize      *int              `json:"thumbnailSize,omitempty"`
}

type Candidate struct {
	Width int    `json:"width"`
	URL   string `json:"url"`
}

// SourceSet lists the candidates of one format, best format first.
type SourceSet struct {
	Type   string      `json:"type"`
	Srcset []Candidate `json:"srcset"`
}

type RegisterResponse struct {
	Hash        string      `json:"hash"`
	Resolutions []int       `json:"resolutions"`
	Sizes       string      `json:"sizes,omitempty"`
	Sources     []SourceSet `json:"sources"`
	URLs        []string    `json:"urls"`
	Src         string      `json:"src"`
	Thumbnail   string      `json:"thumbnail"`
	// Placeholder is the base64 thumbnail when it is already cached.
	Placeholder string   `json:"placeholder,omitempty"`
	Width       int      `json:"width"`
	Height      int      `json:"height"`
	Classes     []string `json:"classes"`
}

func (b RegisterRequest) toRequest() (descriptors.Request, error) {
	kind, err := descriptors.KindFor(b.Sizes, b.Resolutions, b.Container)
	if err != nil {
		return descriptors.Request{}, err
	}
	req := descriptors.Request{
		Kind:               kind,
		Path:               b.Path,
		Sizes:              b.Sizes,
		Resolutions:        b.Resolutions,
		Container:          b.Container,
		Lossless:           b.Lossless,
		TargetRatio:        b.TargetRatio,
		RatioDiffThreshold: b.RatioDiffThreshold,
		ThumbnailSize:      b.ThumbnailSize,
	}
	if b.Container != nil && b.Container.Fit == "" {
		c := *b.Container
		c.Fit = models.FitContain
		req.Container = &c
	}
	if b.Crop != nil {
		switch b.Crop.Mode {
		case "direct":
			req.Crop = models.DirectCrop(b.Crop.Rect)
		case "smart":
			req.Crop = models.SmartCrop(b.Crop.Target)
		default:
			return descriptors.Request{}, errors.New("crop mode must be direct or smart")
		}
	}
	return req, nil
}

// registerHandler registers a descriptor and returns the URLs of its
// renditions.
func (s *server) registerHandler(w http.ResponseWriter, r *http.Request) {
	var body RegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req, err := body.toRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	desc, err := s.Descriptors.Register(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, descriptors.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, descriptors.ErrSourceNotAllowed):
		writeError(w, http.StatusForbidden, "source not allowed")
		return
	case errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, "source not found")
		return
	default:
		logger.Errorf("Failed to register %s: %v", body.Path, err)
		writeError(w, http.StatusInternalServerError, "failed to register source")
		return
	}

	source, err := s.Descriptors.Metadata(r.Context(), desc.OriginalPath)
	if err != nil {
		logger.Errorf("Failed to read metadata of %s: %v", desc.OriginalPath, err)
		writeError(w, http.StatusInternalServerError, "failed to read source")
		return
	}
	writeJSON(w, http.StatusOK, s.describe(desc, source, body.Sizes))
}

// describe builds the response for a registered descriptor.
func (s *server) describe(desc models.RenditionDescriptor, source models.Size, sizes string) RegisterResponse {
	resp := RegisterResponse{
		Hash:        desc.Hash,
		Resolutions: desc.Resolutions,
		Sizes:       sizes,
		Width:       source.Width,
		Height:      source.Height,
	}
	if desc.Container != nil {
		fitted := breakpoints.Fit(*desc.Container, source)
		resp.Width, resp.Height = fitted.Width, fitted.Height
		if resp.Sizes == "" {
			resp.Sizes = strconv.Itoa(fitted.Width) + "px"
		}
	}
	resp.Classes = descriptors.RatioClasses(models.Size{Width: resp.Width, Height: resp.Height}, desc.TargetRatio, desc.RatioDiffThreshold)

	fallback := models.FormatJPEG
	if desc.Lossless {
		fallback = models.FormatPNG
	}
	for _, f := range models.Formats {
		if desc.Lossless && (f == models.FormatJPEG || f == models.FormatAVIF) {
			continue
		}
		set := SourceSet{Type: f.ContentType()}
		for _, width := range desc.Resolutions {
			u := s.imageURL(desc, width, f)
			set.Srcset = append(set.Srcset, Candidate{Width: width, URL: u})
			resp.URLs = append(resp.URLs, u)
		}
		resp.Sources = append(resp.Sources, set)
	}

	mid := desc.Resolutions[max(len(desc.Resolutions)/2-1, 0)]
	resp.Src = s.imageURL(desc, mid, fallback)

	// the thumbnail width is dropped for sources narrower than it
	thumbWidth := desc.ThumbnailSize
	if !desc.HasResolution(thumbWidth) {
		thumbWidth = desc.Resolutions[0]
	}
	thumb := models.RenderTask{DescriptorHash: desc.Hash, Resolution: thumbWidth, Format: models.FormatJPEG, Crop: desc.Crop}
	resp.Thumbnail = s.imageURL(desc, thumbWidth, models.FormatJPEG)
	if b64, ok := s.Renditions.PeekCachedThumbnail(thumb); ok {
		resp.Placeholder = b64
	}
	return resp
}

func (s *server) imageURL(desc models.RenditionDescriptor, width int, f models.OutputFormat) string {
	return s.StaticPath + "/" + desc.Hash + "/" + descriptors.EncodeFilename(desc.OriginalPath, width, f)
}

// imageHandler serves one rendition. Every failure is a 404.
func (s *server) imageHandler(w http.ResponseWriter, r *http.Request) {
	s.warnUnproxied(r)

	hash := chi.URLParam(r, "hash")
	filename := chi.URLParam(r, "filename")
	width, format, ok := descriptors.ParseFilename(filename)
	if !ok {
		http.NotFound(w, r)
		return
	}
	desc, found := s.Descriptors.Get(hash)
	if !found || !desc.HasResolution(width) {
		http.NotFound(w, r)
		return
	}

	etag := `"` + hash + ":" + filename + `"`
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.Header().Set("Cache-Control", cacheControl)
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	task := models.RenderTask{DescriptorHash: hash, Resolution: width, Format: format, Crop: desc.Crop}
	data, err := s.Renditions.GetRendition(r.Context(), task)
	if err != nil {
		logger.Errorf("Failed to serve %s/%s: %v", hash, filename, err)
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Cache-Control", cacheControl)
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		logger.Debugf("Failed to write %s/%s: %v", hash, filename, err)
	}
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == etag || candidate == "*" {
			return true
		}
	}
	return false
}

// warnUnproxied logs once when renditions are requested without going
// through a caching proxy.
func (s *server) warnUnproxied(r *http.Request) {
	if r.Header.Get("X-Proxied") != "" {
		return
	}
	select {
	case <-s.proxyWarning:
		logger.Warnf("Request for %s did not go through a caching proxy; put one in front of %s and set X-Proxied", r.URL.Path, s.StaticPath)
	default:
	}
}

// planHandler returns the widths planned for a sizes expression.
func (s *server) planHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := s.Planner
	var source *models.Size
	var container *models.Container

	var minW, maxW, width, height, cw, ch int
	for name, dst := range map[string]*int{"min": &minW, "max": &maxW, "width": &width, "height": &height,
		"containerWidth": &cw, "containerHeight": &ch} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, name+" must be a positive integer")
				return
			}
			*dst = n
		}
	}
	if minW > 0 {
		opts.MinWidth = minW
	}
	if maxW > 0 {
		opts.MaxWidth = maxW
	}
	if width > 0 {
		source = &models.Size{Width: width, Height: height}
	}
	if cw > 0 && ch > 0 {
		container = &models.Container{Width: cw, Height: ch, Fit: models.FitMode(q.Get("fit"))}
	}

	sizes := q.Get("sizes")
	if sizes == "" && container == nil {
		writeError(w, http.StatusBadRequest, "sizes or container required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sizes":  sizes,
		"widths": breakpoints.Plan(sizes, opts, container, source),
	})
}
