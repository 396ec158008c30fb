package server

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"example.com/robolog/internal/format"
)

// uploadRef is an uploaded container with its detected format.
type uploadRef struct {
	ArtifactRef
	Format string `json:"format"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseMultipartForm(512 << 20); err != nil {
		http.Error(w, fmt.Sprintf("parse multipart: %v", err), http.StatusBadRequest)
		return
	}
	if r.MultipartForm == nil {
		http.Error(w, "no files provided", http.StatusBadRequest)
		return
	}
	var refs []uploadRef
	for _, files := range r.MultipartForm.File {
		for _, fh := range files {
			ref, err := s.saveUploadedFile(fh)
			if err != nil {
				http.Error(w, fmt.Sprintf("save upload %s: %v", fh.Filename, err), statusFor(err))
				return
			}
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		http.Error(w, "no files uploaded", http.StatusBadRequest)
		return
	}
	resp := struct {
		Files []uploadRef `json:"files"`
	}{Files: refs}
	writeJSON(w, http.StatusOK, resp)
}

// saveUploadedFile stores one part and rejects anything whose magic bytes
// are not a recognized container.
func (s *Server) saveUploadedFile(fh *multipart.FileHeader) (uploadRef, error) {
	if fh == nil {
		return uploadRef{}, fmt.Errorf("nil file header")
	}
	src, err := fh.Open()
	if err != nil {
		return uploadRef{}, err
	}
	defer src.Close()
	ext := filepath.Ext(fh.Filename)
	pattern := "upload-*"
	if ext != "" {
		pattern = fmt.Sprintf("upload-*%s", ext)
	}
	dest, err := os.CreateTemp(s.uploadsDir, pattern)
	if err != nil {
		return uploadRef{}, err
	}
	if _, err := io.Copy(dest, src); err != nil {
		dest.Close()
		os.Remove(dest.Name())
		return uploadRef{}, err
	}
	f, err := format.DetectReader(dest)
	dest.Close()
	if err != nil {
		os.Remove(dest.Name())
		return uploadRef{}, err
	}
	art, err := s.addArtifact(dest.Name(), fh.Filename, "application/octet-stream", "upload")
	if err != nil {
		return uploadRef{}, err
	}
	return uploadRef{ArtifactRef: toRef(art), Format: f.String()}, nil
}
