package tracking

import (
	"context"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/vg"

	"github.com/YuminosukeSato/expkit/pkg/errors"
	"github.com/YuminosukeSato/expkit/pkg/log"
)

// Default figure size for LogFigure.
const (
	FigureWidth  = 6 * vg.Inch
	FigureHeight = 4 * vg.Inch
)

// Client combines a Store with the artifact repository of each run.
type Client struct {
	Store

	uri    string
	opts   []Option
	logger log.Logger
}

// NewClient opens the store for trackingURI.
func NewClient(ctx context.Context, trackingURI string, opts ...Option) (*Client, error) {
	store, err := OpenStore(ctx, trackingURI, opts...)
	if err != nil {
		return nil, err
	}
	return NewClientWithStore(store, trackingURI, opts...), nil
}

// NewClientWithStore wraps an already opened store. trackingURI is used to
// resolve "mlflow-artifacts:" locations.
func NewClientWithStore(store Store, trackingURI string, opts ...Option) *Client {
	cfg := newStoreConfig(opts)
	return &Client{
		Store:  store,
		uri:    trackingURI,
		opts:   append([]Option{WithTrackingURI(trackingURI)}, opts...),
		logger: cfg.logger,
	}
}

// TrackingURI returns the URI the client was opened with.
func (c *Client) TrackingURI() string {
	return c.uri
}

// ArtifactRepository resolves the repository of runID from its artifact URI.
func (c *Client) ArtifactRepository(ctx context.Context, runID string) (ArtifactRepository, error) {
	run, err := c.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return NewArtifactRepository(run.Info.ArtifactURI, c.opts...)
}

// LogArtifact copies a file to <artifactPath>/<base name>, or the contents
// of a directory under artifactPath.
func (c *Client) LogArtifact(ctx context.Context, runID, localPath, artifactPath string) error {
	st, err := os.Stat(localPath)
	if err != nil {
		return errors.Wrapf(err, "stat %s", localPath)
	}
	repo, err := c.ArtifactRepository(ctx, runID)
	if err != nil {
		return err
	}
	if st.IsDir() {
		err = repo.LogArtifacts(ctx, localPath, artifactPath)
	} else {
		err = repo.LogArtifact(ctx, localPath, artifactPath)
	}
	if err != nil {
		return err
	}
	c.logger.Debug("Artifact logged", log.RunIDKey, runID, log.ArtifactPathKey, artifactPath)
	return nil
}

// logWith stages artifactFile in a temporary directory, lets write fill it,
// and uploads it to the artifact's directory.
func (c *Client) logWith(ctx context.Context, runID, artifactFile string, write func(io.Writer) error) error {
	rel, err := cleanArtifactPath(artifactFile)
	if err != nil {
		return err
	}
	if rel == "" {
		return errors.NewValidationError("artifact_file", "file name must not be empty", artifactFile)
	}
	tmp, err := os.MkdirTemp("", "expkit-artifact-")
	if err != nil {
		return errors.WithStack(err)
	}
	defer os.RemoveAll(tmp)

	local := filepath.Join(tmp, path.Base(rel))
	f, err := os.Create(local)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.WithStack(err)
	}
	dir := path.Dir(rel)
	if dir == "." {
		dir = ""
	}
	return c.LogArtifact(ctx, runID, local, dir)
}

// LogText writes text as the artifact artifactFile, e.g. "notes/summary.txt".
func (c *Client) LogText(ctx context.Context, runID, text, artifactFile string) error {
	return c.logWith(ctx, runID, artifactFile, func(w io.Writer) error {
		_, err := io.WriteString(w, text)
		return errors.WithStack(err)
	})
}

// LogImage encodes img as PNG or JPEG, chosen by the extension of artifactFile.
func (c *Client) LogImage(ctx context.Context, runID string, img image.Image, artifactFile string) error {
	var encode func(io.Writer, image.Image) error
	switch strings.ToLower(path.Ext(artifactFile)) {
	case ".png":
		encode = png.Encode
	case ".jpg", ".jpeg":
		encode = func(w io.Writer, m image.Image) error {
			return jpeg.Encode(w, m, &jpeg.Options{Quality: 95})
		}
	default:
		return errors.NewValidationError("artifact_file", "image must be .png, .jpg or .jpeg", artifactFile)
	}
	return c.logWith(ctx, runID, artifactFile, func(w io.Writer) error {
		return errors.Wrap(encode(w, img), "encode image")
	})
}

// LogFigure renders p at FigureWidth x FigureHeight in the format implied by
// the extension of artifactFile (png, jpg, svg, pdf, eps, tif).
func (c *Client) LogFigure(ctx context.Context, runID string, p *plot.Plot, artifactFile string) error {
	format := strings.TrimPrefix(strings.ToLower(path.Ext(artifactFile)), ".")
	wt, err := p.WriterTo(FigureWidth, FigureHeight, format)
	if err != nil {
		return errors.NewValidationError("artifact_file", err.Error(), artifactFile)
	}
	return c.logWith(ctx, runID, artifactFile, func(w io.Writer) error {
		// gonum/plot panics on some degenerate inputs, e.g. an empty range.
		return errors.SafeExecute("Client.LogFigure", func() error {
			_, err := wt.WriteTo(w)
			return errors.Wrap(err, "render figure")
		})
	})
}

// ListArtifacts lists the artifacts of runID under dir.
func (c *Client) ListArtifacts(ctx context.Context, runID, dir string) ([]FileInfo, error) {
	repo, err := c.ArtifactRepository(ctx, runID)
	if err != nil {
		return nil, err
	}
	return repo.ListArtifacts(ctx, dir)
}

// SetTerminated records status and the current time as the run's end.
func (c *Client) SetTerminated(ctx context.Context, runID string, status RunStatus) error {
	if !status.IsTerminated() {
		return errors.NewValidationError("status", "not a terminal status", status.String())
	}
	_, err := c.UpdateRunInfo(ctx, runID, status, nowMillis())
	return err
}
