package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"bloomers/domain"
)

var allowedExtensions = map[string]bool{
	".pdf":  true,
	".doc":  true,
	".docx": true,
}

// magicNumbers maps extensions to the file signatures they must start with.
// .docx is a zip archive; legacy .doc is an OLE compound document.
var magicNumbers = map[string][][]byte{
	".pdf":  {{'%', 'P', 'D', 'F'}},
	".docx": {{'P', 'K', 0x03, 0x04}},
	".doc":  {{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}},
}

func postUpload(store Storage, auth Authenticator, uploadDir string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		fileHeader, err := c.FormFile("file")
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "missing file field"})
		}
		if fileHeader.Size > uploadMaxSize {
			return c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Error: "file exceeds 10 MB limit"})
		}
		ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
		if !allowedExtensions[ext] {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "unsupported file type, expected .pdf, .doc or .docx"})
		}

		src, err := fileHeader.Open()
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "unreadable upload"})
		}
		defer src.Close()

		if err := checkSignature(src, ext); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		}

		path, hash, size, err := saveUpload(uploadDir, ext, src)
		if err != nil {
			c.Logger().Errorf("save upload: %v", err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to store upload", Retryable: true})
		}

		// The same document classified before is returned as-is instead of
		// burning another classification pass. Failed runs get a fresh try.
		if existing, found, err := store.FindRunByHash(ctx, userID, hash); err == nil && found && existing.Status != domain.RunFailed {
			removeQuietly(path)
			return c.JSON(http.StatusOK, uploadResponse{RunID: existing.ID, Status: existing.Status, Duplicate: true})
		}

		run := domain.Run{
			ID:        uuid.NewString(),
			Filename:  fileHeader.Filename,
			FileSize:  size,
			FileHash:  hash,
			Status:    domain.RunPending,
			CreatedAt: time.Now().Unix(),
		}
		if err := store.InsertRun(ctx, userID, run, path); err != nil {
			removeQuietly(path)
			c.Logger().Errorf("insert run: %v", err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to record upload", Retryable: true})
		}

		job := domain.ClassifyJob{
			RunID:    run.ID,
			Filename: run.Filename,
			Path:     path,
			Enqueued: time.Now().Unix(),
		}
		if !tryDispatchJob(dispatchJob{userID: userID, job: job}) {
			if globalLog != nil {
				globalLog.Warn("dispatch buffer saturated; enqueueing inline")
			}
			if err := store.EnqueueClassifyJob(ctx, userID, job); err != nil {
				// The pending-run scan will requeue it; accept the upload anyway.
				c.Logger().Errorf("enqueue inline failed: %v", err)
			}
		}

		return c.JSON(http.StatusAccepted, uploadResponse{RunID: run.ID, Status: run.Status})
	}
}

// checkSignature verifies the file starts with the magic bytes its extension
// promises, then rewinds the reader.
func checkSignature(src multipart.File, ext string) error {
	signatures := magicNumbers[ext]
	head := make([]byte, 8)
	n, err := io.ReadFull(src, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("unreadable upload")
	}
	head = head[:n]
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("unreadable upload")
	}
	for _, sig := range signatures {
		if bytes.HasPrefix(head, sig) {
			return nil
		}
	}
	return fmt.Errorf("file content does not match its extension")
}

// saveUpload streams the document to disk under a fresh name, hashing it on
// the way through.
func saveUpload(dir, ext string, src io.Reader) (path, hash string, size int64, err error) {
	if err = os.MkdirAll(dir, 0o750); err != nil {
		return "", "", 0, err
	}
	path = filepath.Join(dir, uuid.NewString()+ext)
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", "", 0, err
	}
	hasher := sha256.New()
	size, err = io.Copy(io.MultiWriter(dst, hasher), io.LimitReader(src, uploadMaxSize+1))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		removeQuietly(path)
		return "", "", 0, err
	}
	if size > uploadMaxSize {
		removeQuietly(path)
		return "", "", 0, fmt.Errorf("upload larger than declared size")
	}
	return path, hex.EncodeToString(hasher.Sum(nil)), size, nil
}

func removeQuietly(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
