package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// LocalStore implements Store on a directory tree, one subdirectory per
// bucket. Signed URLs are HS256 tokens served back through Handler, which
// uses http.ServeContent and therefore exhibits real 206/Content-Range/416
// semantics. Used for development and as the range-fetch origin in tests.
type LocalStore struct {
	root    string
	baseURL string
	secret  []byte

	// IgnoreRanges makes Handler answer every GET with a full 200 body,
	// mimicking an origin without byte-range support. The header probe
	// detects this and switches the run to chunk-file fallback.
	IgnoreRanges bool
}

// NewLocalStore serves objects under root. baseURL is where Handler is
// mounted, e.g. "http://127.0.0.1:8095/storage".
func NewLocalStore(root, baseURL string, secret []byte) *LocalStore {
	return &LocalStore{root: root, baseURL: strings.TrimRight(baseURL, "/"), secret: secret}
}

func (l *LocalStore) path(bucket, key string) (string, error) {
	base := filepath.Join(l.root, bucket)
	p := filepath.Join(base, filepath.FromSlash(key))
	if p != base && !strings.HasPrefix(p, base+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return p, nil
}

func (l *LocalStore) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	p, err := l.path(bucket, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (l *LocalStore) DownloadRange(ctx context.Context, bucket, key string, start, length int64) ([]byte, error) {
	if length <= 0 {
		return nil, fmt.Errorf("non-positive range length %d", length)
	}
	p, err := l.path(bucket, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s/%s: %w", bucket, key, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if start >= st.Size() {
		return nil, fmt.Errorf("range start %d beyond object size %d", start, st.Size())
	}
	if start+length > st.Size() {
		length = st.Size() - start
	}
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, start); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read range %s/%s: %w", bucket, key, err)
	}
	return buf, nil
}

func (l *LocalStore) Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	p, err := l.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s/%s: %w", bucket, key, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("write %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (l *LocalStore) Remove(ctx context.Context, bucket, key string) error {
	p, err := l.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (l *LocalStore) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	base := filepath.Join(l.root, bucket)
	var objects []Object
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, Object{Key: key, Size: info.Size(), CreatedAt: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, err)
	}
	sort.Slice(objects, func(i, j int) bool {
		if !objects[i].CreatedAt.Equal(objects[j].CreatedAt) {
			return objects[i].CreatedAt.Before(objects[j].CreatedAt)
		}
		return objects[i].Key < objects[j].Key
	})
	return objects, nil
}

func (l *LocalStore) SignedURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if _, err := l.path(bucket, key); err != nil {
		return "", err
	}
	claims := jwtlib.MapClaims{
		"b":   bucket,
		"k":   key,
		"exp": time.Now().Add(ttl).Unix(),
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(l.secret)
	if err != nil {
		return "", fmt.Errorf("sign url for %s/%s: %w", bucket, key, err)
	}
	return l.baseURL + "?token=" + url.QueryEscape(token), nil
}

// Handler serves signed-URL requests. GET and HEAD only.
func (l *LocalStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		tokenStr := r.URL.Query().Get("token")
		if tokenStr == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		token, err := jwtlib.Parse(tokenStr, func(t *jwtlib.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return l.secret, nil
		})
		if err != nil || !token.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		claims, ok := token.Claims.(jwtlib.MapClaims)
		if !ok {
			http.Error(w, "invalid claims", http.StatusUnauthorized)
			return
		}
		bucket, _ := claims["b"].(string)
		key, _ := claims["k"].(string)
		p, err := l.path(bucket, key)
		if err != nil {
			http.Error(w, "bad object path", http.StatusBadRequest)
			return
		}
		f, err := os.Open(p)
		if os.IsNotExist(err) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "open failed", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil {
			http.Error(w, "stat failed", http.StatusInternalServerError)
			return
		}

		if l.IgnoreRanges {
			w.Header().Set("Content-Length", strconv.FormatInt(st.Size(), 10))
			w.WriteHeader(http.StatusOK)
			if r.Method != http.MethodHead {
				io.Copy(w, f)
			}
			return
		}
		http.ServeContent(w, r, filepath.Base(key), st.ModTime(), f)
	})
}
