package tracking

import (
	"context"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/YuminosukeSato/expkit/pkg/errors"
	"github.com/YuminosukeSato/expkit/pkg/log"
)

// ArtifactRepository stores the files of one run.
type ArtifactRepository interface {
	// LogArtifact copies localFile to <artifactPath>/<base name>.
	LogArtifact(ctx context.Context, localFile, artifactPath string) error
	// LogArtifacts copies the contents of localDir under artifactPath.
	LogArtifacts(ctx context.Context, localDir, artifactPath string) error
	// ListArtifacts lists the direct children of dir ("" for the root).
	ListArtifacts(ctx context.Context, dir string) ([]FileInfo, error)
}

const (
	schemeMLflowArtifacts = "mlflow-artifacts"
	artifactsAPIPrefix    = "/api/2.0/mlflow-artifacts/artifacts"
)

// NewArtifactRepository resolves an artifact URI: a local path or file://
// URI, "mlflow-artifacts:/<path>" (served by the tracking server given with
// WithTrackingURI, or by the host in the URI), or an http(s) URL of the
// artifact proxy.
func NewArtifactRepository(artifactURI string, opts ...Option) (ArtifactRepository, error) {
	cfg := newStoreConfig(opts)
	u, err := url.Parse(artifactURI)
	if err != nil || len(u.Scheme) <= 1 {
		// Plain paths, including Windows drive letters.
		return NewLocalArtifactRepository(artifactURI), nil
	}
	switch u.Scheme {
	case "file":
		return NewLocalArtifactRepository(fileURIToPath(artifactURI)), nil
	case schemeMLflowArtifacts:
		host := u.Host
		scheme := "http"
		if host == "" {
			if cfg.trackingURI == "" {
				return nil, errors.NewValidationError("artifact_uri",
					"mlflow-artifacts URI needs a tracking server URI", artifactURI)
			}
			tracking, err := url.Parse(cfg.trackingURI)
			if err != nil {
				return nil, errors.Wrapf(err, "parse tracking URI %q", cfg.trackingURI)
			}
			host, scheme = tracking.Host, tracking.Scheme
		}
		base := &url.URL{Scheme: scheme, Host: host}
		return newHTTPArtifactRepository(base, strings.Trim(u.Path, "/"), cfg), nil
	case "http", "https":
		i := strings.Index(u.Path, artifactsAPIPrefix)
		if i < 0 {
			return nil, errors.NewValidationError("artifact_uri",
				"http artifact URIs must point at "+artifactsAPIPrefix, artifactURI)
		}
		base := &url.URL{Scheme: u.Scheme, Host: u.Host, User: u.User, Path: u.Path[:i]}
		return newHTTPArtifactRepository(base, strings.Trim(u.Path[i+len(artifactsAPIPrefix):], "/"), cfg), nil
	default:
		return nil, errors.Wrapf(errors.ErrUnsupportedURI, "artifact uri %q", artifactURI)
	}
}

func pathToFileURI(p string) string {
	p = filepath.ToSlash(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return (&url.URL{Scheme: "file", Path: p}).String()
}

// fileURIToPath converts a file:// URI to a local path; anything else is
// returned unchanged.
func fileURIToPath(uri string) string {
	if !strings.HasPrefix(uri, "file:") {
		return uri
	}
	u, err := url.Parse(uri)
	if err != nil {
		return strings.TrimPrefix(uri, "file://")
	}
	p := u.Path
	if u.Host != "" && u.Host != "localhost" {
		// file://relative/dir
		p = u.Host + p
	}
	// file:///C:/dir on Windows
	if len(p) > 2 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	return filepath.FromSlash(p)
}

func cleanArtifactPath(p string) (string, error) {
	p = strings.Trim(filepath.ToSlash(p), "/")
	if p == "" || p == "." {
		return "", nil
	}
	if escapesRoot(p) {
		return "", errors.NewValidationError("artifact_path", "path must stay inside the run artifacts", p)
	}
	return path.Clean(p), nil
}

// LocalArtifactRepository stores artifacts in a local directory.
type LocalArtifactRepository struct {
	root string
}

// NewLocalArtifactRepository returns a repository rooted at dir. The
// directory is created on first write.
func NewLocalArtifactRepository(dir string) *LocalArtifactRepository {
	return &LocalArtifactRepository{root: dir}
}

// Root returns the repository directory.
func (r *LocalArtifactRepository) Root() string {
	return r.root
}

func (r *LocalArtifactRepository) LogArtifact(ctx context.Context, localFile, artifactPath string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	rel, err := cleanArtifactPath(artifactPath)
	if err != nil {
		return err
	}
	dst := filepath.Join(r.root, filepath.FromSlash(rel), filepath.Base(localFile))
	return copyFile(localFile, dst)
}

func (r *LocalArtifactRepository) LogArtifacts(ctx context.Context, localDir, artifactPath string) error {
	rel, err := cleanArtifactPath(artifactPath)
	if err != nil {
		return err
	}
	dstRoot := filepath.Join(r.root, filepath.FromSlash(rel))
	return walkFiles(localDir, func(src, relFile string) error {
		if err := checkCtx(ctx); err != nil {
			return err
		}
		return copyFile(src, filepath.Join(dstRoot, relFile))
	})
}

func (r *LocalArtifactRepository) ListArtifacts(ctx context.Context, dir string) ([]FileInfo, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	rel, err := cleanArtifactPath(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(r.root, filepath.FromSlash(rel)))
	if errors.Is(err, fs.ErrNotExist) {
		return []FileInfo{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "list artifacts %q", rel)
	}
	infos := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		fi := FileInfo{Path: path.Join(rel, e.Name()), IsDir: e.IsDir()}
		if !e.IsDir() {
			st, err := e.Info()
			if err != nil {
				return nil, errors.WithStack(err)
			}
			fi.FileSize = st.Size()
		}
		infos = append(infos, fi)
	}
	return infos, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(dst))
	}
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "copy %s", src)
	}
	return errors.Wrapf(out.Close(), "close %s", dst)
}

// walkFiles calls fn for every regular file under dir with its
// OS-specific path relative to dir.
func walkFiles(dir string, fn func(src, rel string) error) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.Wrapf(err, "walk %s", dir)
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return errors.WithStack(err)
		}
		return fn(p, rel)
	})
}

// HTTPArtifactRepository uploads artifacts through the MLflow tracking
// server's artifact proxy.
type HTTPArtifactRepository struct {
	base     *url.URL
	root     string
	client   *http.Client
	token    string
	username string
	password string
	logger   log.Logger
}

func newHTTPArtifactRepository(base *url.URL, root string, cfg storeConfig) *HTTPArtifactRepository {
	return &HTTPArtifactRepository{
		base:     base,
		root:     root,
		client:   cfg.httpClient,
		token:    cfg.token,
		username: cfg.username,
		password: cfg.password,
		logger:   cfg.logger,
	}
}

func (r *HTTPArtifactRepository) endpoint(rel string) *url.URL {
	u := *r.base
	u.Path = strings.TrimRight(u.Path, "/") + artifactsAPIPrefix
	if p := path.Join(r.root, rel); p != "" && p != "." {
		u.Path += "/" + p
	}
	return &u
}

func (r *HTTPArtifactRepository) send(req *http.Request) (*http.Response, error) {
	switch {
	case r.token != "":
		req.Header.Set("Authorization", "Bearer "+r.token)
	case r.username != "" || r.password != "":
		req.SetBasicAuth(r.username, r.password)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return nil, errors.WithStack(apiErr)
	}
	return resp, nil
}

func (r *HTTPArtifactRepository) LogArtifact(ctx context.Context, localFile, artifactPath string) error {
	rel, err := cleanArtifactPath(artifactPath)
	if err != nil {
		return err
	}
	return r.upload(ctx, localFile, path.Join(rel, filepath.Base(localFile)))
}

func (r *HTTPArtifactRepository) upload(ctx context.Context, localFile, rel string) error {
	f, err := os.Open(localFile)
	if err != nil {
		return errors.Wrapf(err, "open %s", localFile)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return errors.WithStack(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.endpoint(rel).String(), f)
	if err != nil {
		return errors.WithStack(err)
	}
	req.ContentLength = st.Size()
	contentType := mime.TypeByExtension(filepath.Ext(localFile))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := r.send(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	r.logger.Debug("Artifact uploaded", log.ArtifactPathKey, rel)
	return nil
}

func (r *HTTPArtifactRepository) LogArtifacts(ctx context.Context, localDir, artifactPath string) error {
	rel, err := cleanArtifactPath(artifactPath)
	if err != nil {
		return err
	}
	return walkFiles(localDir, func(src, relFile string) error {
		return r.upload(ctx, src, path.Join(rel, filepath.ToSlash(relFile)))
	})
}

// ListArtifacts uses GET /api/2.0/mlflow-artifacts/artifacts?path=..., which
// answers with names relative to the listed directory.
func (r *HTTPArtifactRepository) ListArtifacts(ctx context.Context, dir string) ([]FileInfo, error) {
	rel, err := cleanArtifactPath(dir)
	if err != nil {
		return nil, err
	}
	u := *r.base
	u.Path = strings.TrimRight(u.Path, "/") + artifactsAPIPrefix
	u.RawQuery = url.Values{"path": {path.Join(r.root, rel)}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	resp, err := r.send(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var listing struct {
		Files []struct {
			Path     string    `json:"path"`
			IsDir    bool      `json:"is_dir"`
			FileSize jsonInt64 `json:"file_size"`
		} `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "decode artifact listing")
	}
	infos := make([]FileInfo, 0, len(listing.Files))
	for _, f := range listing.Files {
		infos = append(infos, FileInfo{Path: path.Join(rel, f.Path), IsDir: f.IsDir, FileSize: int64(f.FileSize)})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}
