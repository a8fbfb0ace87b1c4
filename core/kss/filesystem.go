package kss

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/grocify-tech/grocify/core/logger"
)

// LocalFilesystem stores objects in a base folder and serves them through a
// signed-URL route on the router. It is meant for development and tests.
type LocalFilesystem struct {
	router     *mux.Router
	baseFolder string
	publicURL  url.URL
	privateKey *rsa.PrivateKey
}

// NewLocalFilesystem returns a new LocalFilesystem. If privateKey is nil a
// random key is generated; that only works in a single instance setup.
func NewLocalFilesystem(router *mux.Router, baseFolder string, publicURL url.URL, privateKey *rsa.PrivateKey) (*LocalFilesystem, error) {
	if privateKey == nil {
		logger.Default().Warn("no private key provided to sign URLs, generating a random one")
		var err error
		privateKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, err
		}
	}
	f := LocalFilesystem{router: router, baseFolder: baseFolder, publicURL: publicURL, privateKey: privateKey}
	f.configure()
	return &f, nil
}

func (f LocalFilesystem) configure() {
	logger.Default().Debugln("filesystem storage enabled")
	logger.Default().Debugln("  handle route: /grocify/filesystem GET,PUT")
	f.router.Handle("/grocify/filesystem", http.HandlerFunc(f.handler)).
		Methods(http.MethodOptions, http.MethodGet, http.MethodPut)
}

func (f LocalFilesystem) handler(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	u := r.URL
	if u.Scheme == "" && u.Host == "" {
		u.Scheme = f.publicURL.Scheme
		u.Host = f.publicURL.Host
	}
	if !f.isValid(u.String()) {
		logger.FromContext(r.Context()).Errorf("invalid signature for %s", u.String())
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}

	key := v.Get("key")
	method := v.Get("method")
	if r.Method != method {
		logger.FromContext(r.Context()).Errorf("signature valid for %s, but used for %s", method, r.Method)
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}
	if expiry, err := strconv.ParseInt(v.Get("expiry"), 10, 64); err != nil || time.Now().Unix() > expiry {
		http.Error(w, "url expired", http.StatusUnauthorized)
		return
	}
	if strings.Contains(key, "..") {
		http.Error(w, ".. not authorized in keys", http.StatusBadRequest)
		return
	}
	filePath := filepath.Join(f.baseFolder, key, "file")

	logger.FromContext(r.Context()).Infof("filesystem: [%s] key '%s'", r.Method, key)
	switch r.Method {
	case http.MethodGet:
		http.ServeFile(w, r, filePath)
	case http.MethodPut:
		if err := os.MkdirAll(filepath.Join(f.baseFolder, key), 0700); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		dst, err := os.Create(filePath)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer dst.Close()
		if _, err := io.Copy(dst, r.Body); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// GetPreSignedURL returns a signed URL for the given method and key.
func (f LocalFilesystem) GetPreSignedURL(method Method, key string, expireIn time.Duration) (string, error) {
	u := f.publicURL
	u.Path = "/grocify/filesystem"
	q := url.Values{}
	q.Set("key", key)
	q.Set("method", string(method))
	q.Set("expiry", strconv.FormatInt(time.Now().Add(expireIn).Unix(), 10))
	u.RawQuery = q.Encode()
	return f.sign(u.String())
}

// UploadData stores data directly under key, bypassing the signed route.
func (f LocalFilesystem) UploadData(key string, data []byte) error {
	if strings.Contains(key, "..") {
		return fmt.Errorf(".. not authorized in keys")
	}
	if err := os.MkdirAll(filepath.Join(f.baseFolder, key), 0700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(f.baseFolder, key, "file"), data, 0600)
}

// Delete deletes the object stored under key.
func (f LocalFilesystem) Delete(key string) error {
	if strings.Contains(key, "..") {
		return fmt.Errorf(".. not authorized in keys")
	}
	return os.RemoveAll(filepath.Join(f.baseFolder, key))
}

// DeleteAllWithPrefix deletes all objects whose key starts with prefix.
func (f LocalFilesystem) DeleteAllWithPrefix(prefix string) error {
	if strings.Contains(prefix, "..") {
		return fmt.Errorf(".. not authorized in keys")
	}
	return os.RemoveAll(filepath.Join(f.baseFolder, prefix))
}

// ListAllWithPrefix lists all keys starting with prefix.
func (f LocalFilesystem) ListAllWithPrefix(prefix string) ([]string, error) {
	var keys []string
	root := filepath.Join(f.baseFolder, prefix)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || info.Name() != "file" {
			return nil
		}
		rel, err := filepath.Rel(f.baseFolder, filepath.Dir(path))
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return keys, err
}

func (f LocalFilesystem) sign(unsigned string) (string, error) {
	hashed := sha256.Sum256([]byte(unsigned))
	signature, err := rsa.SignPKCS1v15(rand.Reader, f.privateKey, crypto.SHA256, hashed[:])
	if err != nil {
		return "", err
	}
	return unsigned + "&signature=" + url.QueryEscape(base64.StdEncoding.EncodeToString(signature)), nil
}

func (f LocalFilesystem) isValid(signed string) bool {
	idx := strings.LastIndex(signed, "&signature=")
	if idx < 0 {
		return false
	}
	unsigned := signed[:idx]
	encoded, err := url.QueryUnescape(signed[idx+len("&signature="):])
	if err != nil {
		return false
	}
	signature, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false
	}
	hashed := sha256.Sum256([]byte(unsigned))
	return rsa.VerifyPKCS1v15(&f.privateKey.PublicKey, crypto.SHA256, hashed[:], signature) == nil
}
