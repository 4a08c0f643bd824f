package tlsutil

import (
	"context"
	"crypto/tls"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/matst80/vncproxy/internal/obs"
)

// Reloader serves a certificate pair and reloads it when the files change.
type Reloader struct {
	certFile, keyFile string

	mu   sync.RWMutex
	cert *tls.Certificate
}

func NewReloader(certFile, keyFile string) (*Reloader, error) {
	r := &Reloader{certFile: certFile, keyFile: keyFile}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload reads the pair from disk. A failed reload keeps the previous
// certificate.
func (r *Reloader) Reload() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cert = &cert
	r.mu.Unlock()
	return nil
}

// GetCertificate is used as tls.Config.GetCertificate.
func (r *Reloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

// Watch reloads the pair on file events until ctx is done. The parent
// directories are watched so that atomic renames (as done by cert-manager
// and certbot) are seen.
func (r *Reloader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	dirs := map[string]bool{}
	for _, f := range []string{r.certFile, r.keyFile} {
		d := filepath.Dir(f)
		if dirs[d] {
			continue
		}
		dirs[d] = true
		if err := w.Add(d); err != nil {
			return err
		}
	}
	certBase, keyBase := filepath.Clean(r.certFile), filepath.Clean(r.keyFile)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := filepath.Clean(ev.Name)
			if name != certBase && name != keyBase {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.Reload(); err != nil {
				obs.Warn("tls.reload_failed", obs.Fields{"file": ev.Name, "err": err.Error()})
				continue
			}
			obs.Info("tls.reloaded", obs.Fields{"cert": r.certFile})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			obs.Warn("tls.watch_error", obs.Fields{"err": err.Error()})
		}
	}
}
