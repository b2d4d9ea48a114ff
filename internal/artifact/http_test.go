package artifact

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutUploadsUnderOwnerNamespace(t *testing.T) {
	var gotPath, gotAuth, gotContentType, gotUpsert string
	var gotBody []byte

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotUpsert = r.Header.Get("x-upsert")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	s := NewHTTPStore(ts.URL, "secret", "avatars", "photos")
	url, err := s.Put(context.Background(), "u1", "avatar_model", []byte("glb-bytes"), "model/gltf-binary")
	require.NoError(t, err)

	assert.Equal(t, "/storage/v1/object/avatars/u1/avatar_model", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "model/gltf-binary", gotContentType)
	assert.Equal(t, "true", gotUpsert)
	assert.Equal(t, []byte("glb-bytes"), gotBody)
	assert.Equal(t, ts.URL+"/storage/v1/object/public/avatars/u1/avatar_model", url)
}

func TestPutErrorKinds(t *testing.T) {
	cases := []struct {
		status   int
		wantKind string
	}{
		{http.StatusUnauthorized, KindPermissionDenied},
		{http.StatusForbidden, KindPermissionDenied},
		{http.StatusRequestEntityTooLarge, KindQuotaExceeded},
		{http.StatusInsufficientStorage, KindQuotaExceeded},
		{http.StatusInternalServerError, KindNetwork},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer ts.Close()

			s := NewHTTPStore(ts.URL, "k", "avatars", "photos")
			_, err := s.Put(context.Background(), "u1", "avatar_model", []byte("x"), "application/octet-stream")
			require.Error(t, err)

			var aerr *Error
			require.ErrorAs(t, err, &aerr)
			assert.Equal(t, tc.wantKind, aerr.Kind)
		})
	}
}

func TestPutConnectionFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close()

	s := NewHTTPStore(ts.URL, "k", "avatars", "photos")
	_, err := s.Put(context.Background(), "u1", "avatar_model", []byte("x"), "application/octet-stream")
	require.Error(t, err)

	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, KindNetwork, aerr.Kind)
}

func TestSignURL(t *testing.T) {
	var gotPath string
	var gotBody map[string]int

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]string{
			"signedURL": "/storage/v1/object/sign/photos/u1/photo.jpg?token=abc",
		})
	}))
	defer ts.Close()

	s := NewHTTPStore(ts.URL, "k", "avatars", "photos")
	signed, err := s.SignURL(context.Background(), "u1/photo.jpg", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, "/storage/v1/object/sign/photos/u1/photo.jpg", gotPath)
	assert.Equal(t, 3600, gotBody["expiresIn"])
	assert.Equal(t, ts.URL+"/storage/v1/object/sign/photos/u1/photo.jpg?token=abc", signed)
}

func TestSignURLEmptyResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer ts.Close()

	s := NewHTTPStore(ts.URL, "k", "avatars", "photos")
	_, err := s.SignURL(context.Background(), "u1/photo.jpg", time.Hour)
	require.Error(t, err)

	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, KindNetwork, aerr.Kind)
}
