package api

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/relaydrive/relaydrive/internal/auth"
	"github.com/relaydrive/relaydrive/internal/metadata/postgres"
	"github.com/relaydrive/relaydrive/internal/protocol"
	"github.com/relaydrive/relaydrive/internal/storage"
	"github.com/relaydrive/relaydrive/internal/storage/relay"
)

const (
	// multipart framing allowance on top of the blob limit
	formOverhead = 1 << 20

	// parts larger than this spill to temporary files
	maxFormMemory = 8 << 20

	// FileNameHeader names a raw-body upload.
	FileNameHeader = "X-File-Name"
)

func fileResponse(f *postgres.FileRow) protocol.FileResponse {
	return protocol.FileResponse{
		ID:        f.ID,
		Name:      f.Name,
		MimeType:  f.MimeType,
		Size:      f.SizeBytes,
		CreatedAt: f.CreatedAt,
	}
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	rows, err := s.files.ListFiles(r.Context(), id.ID)
	if err != nil {
		s.logger(r).Error("list files failed", zap.Error(err))
		protocol.WriteError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
		return
	}
	resp := protocol.FileListResponse{Files: make([]protocol.FileResponse, 0, len(rows))}
	for _, f := range rows {
		resp.Files = append(resp.Files, fileResponse(f))
	}
	protocol.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	f, ok := s.ownedFile(w, r)
	if !ok {
		return
	}
	protocol.WriteJSON(w, http.StatusOK, fileResponse(f))
}

// ownedFile loads the {id} file and checks the caller owns it. It writes
// the error response itself when it returns false.
func (s *Server) ownedFile(w http.ResponseWriter, r *http.Request) (*postgres.FileRow, bool) {
	id := auth.IdentityFromContext(r.Context())
	f, err := s.files.GetFile(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, postgres.ErrNotFound) {
		protocol.WriteError(w, http.StatusNotFound, protocol.CodeNotFound, "file not found")
		return nil, false
	}
	if err != nil {
		s.logger(r).Error("get file failed", zap.Error(err))
		protocol.WriteError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
		return nil, false
	}
	if !auth.VerifyOwnership(id.ID, f) {
		s.logger(r).Warn("file access denied",
			zap.String("account_id", id.ID),
			zap.String("file_id", f.ID))
		protocol.WriteError(w, http.StatusForbidden, protocol.CodeForbidden, "not the owner of this file")
		return nil, false
	}
	return f, true
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	f, ok := s.ownedFile(w, r)
	if !ok {
		return
	}
	if s.blobs == nil {
		protocol.WriteError(w, http.StatusServiceUnavailable, protocol.CodeRelay, "relay not configured")
		return
	}

	body, loc, err := s.blobs.Open(r.Context(), f.RemoteFileID)
	if err != nil {
		s.writeBlobError(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", f.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.Name}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if loc.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(loc.SizeBytes, 10))
	}
	w.WriteHeader(http.StatusOK)

	if n, err := io.Copy(w, body); err != nil {
		s.logger(r).Warn("content stream interrupted",
			zap.String("file_id", f.ID),
			zap.Int64("written", n),
			zap.Error(err))
	}
}

// upload is one incoming file, from either a multipart form or a raw body.
type upload struct {
	body     io.Reader
	size     int64
	name     string
	mimeType string
}

// handleUpload accepts multipart/form-data with a "file" part, or a raw body
// named by the X-File-Name header or ?name= parameter.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		protocol.WriteError(w, http.StatusServiceUnavailable, protocol.CodeRelay, "relay not configured")
		return
	}

	var up upload
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, storage.MaxBlobSize+formOverhead)
		if err := r.ParseMultipartForm(maxFormMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				protocol.WriteError(w, http.StatusRequestEntityTooLarge, protocol.CodeFileTooLarge, "file exceeds the 50 MB limit")
				return
			}
			protocol.WriteError(w, http.StatusBadRequest, protocol.CodeBadRequest, "invalid multipart form")
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			protocol.WriteError(w, http.StatusBadRequest, protocol.CodeBadRequest, "missing file part")
			return
		}
		defer file.Close()
		up = upload{body: file, size: header.Size, name: header.Filename, mimeType: header.Header.Get("Content-Type")}
	} else {
		if r.ContentLength < 0 {
			protocol.WriteError(w, http.StatusLengthRequired, protocol.CodeBadRequest, "Content-Length required")
			return
		}
		name := r.Header.Get(FileNameHeader)
		if name == "" {
			name = r.URL.Query().Get("name")
		}
		up = upload{body: r.Body, size: r.ContentLength, name: name, mimeType: r.Header.Get("Content-Type")}
	}
	if up.mimeType == "" {
		up.mimeType = "application/octet-stream"
	}

	id := auth.IdentityFromContext(r.Context())
	ref, err := s.blobs.Upload(r.Context(), up.body, up.size, up.name, up.mimeType)
	if err != nil {
		s.writeBlobError(w, r, err)
		return
	}

	row := &postgres.FileRow{
		OwnerID:        id.ID,
		Name:           up.name,
		MimeType:       up.mimeType,
		SizeBytes:      ref.SizeBytes,
		RemoteFileID:   ref.RemoteObjectID,
		RemoteUniqueID: ref.RemoteUniqueID,
		RemotePath:     ref.RemotePath,
		MessageID:      ref.MessageID,
	}
	if err := s.files.CreateFile(r.Context(), row); err != nil {
		// The blob is on the relay but unreferenced; nothing can delete it.
		s.logger(r).Error("record upload failed",
			zap.String("remote_file_id", ref.RemoteObjectID),
			zap.Error(err))
		protocol.WriteError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
		return
	}

	s.logger(r).Info("file uploaded",
		zap.String("account_id", id.ID),
		zap.String("file_id", row.ID),
		zap.Int64("size", row.SizeBytes))
	protocol.WriteJSON(w, http.StatusCreated, fileResponse(row))
}

// writeBlobError maps blob store failures to API errors.
func (s *Server) writeBlobError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *storage.ValidationError
	var relayErr *relay.Error
	switch {
	case errors.Is(err, storage.ErrTooLarge):
		protocol.WriteError(w, http.StatusRequestEntityTooLarge, protocol.CodeFileTooLarge, "file exceeds the 50 MB limit")
	case errors.As(err, &validation):
		protocol.WriteError(w, http.StatusBadRequest, protocol.CodeInvalidFile, validation.Error())
	case errors.As(err, &relayErr):
		s.logger(r).Warn("relay request failed", zap.Error(err))
		protocol.WriteError(w, http.StatusBadGateway, protocol.CodeRelay, "storage backend unavailable")
	case errors.Is(err, context.Canceled):
		s.logger(r).Debug("client went away", zap.Error(err))
	default:
		s.logger(r).Error("blob operation failed", zap.Error(err))
		protocol.WriteError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
	}
}
