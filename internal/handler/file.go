package handler

import (
	"errors"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/classchat/internal/fileserver"
	"github.com/classchat/internal/logger"
	"github.com/classchat/internal/model"
)

// multipartMemory: сколько multipart держится в памяти, остальное уходит во временные файлы.
const multipartMemory = 32 << 20

type FileHandler struct {
	files *fileserver.Service
}

func NewFileHandler(files *fileserver.Service) *FileHandler {
	return &FileHandler{files: files}
}

type FileUploadResponse struct {
	FileURL     string            `json:"fileUrl"`
	FileName    string            `json:"fileName"`
	FileType    string            `json:"fileType"`
	FileSize    int64             `json:"fileSize"`
	MessageType model.MessageType `json:"messageType"`
}

// Upload: POST /chat/upload, multipart поле "file". Возвращает ссылку для сообщения IMAGE/AUDIO.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	// запас на заголовки multipart сверх самого файла
	r.Body = http.MaxBytesReader(w, r.Body, h.files.MaxUploadSize+1<<20)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "file exceeds "+h.files.LimitText())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	saved, err := h.files.Save(r.Context(), header.Filename, declaredType(header), header.Size, file)
	switch {
	case err == nil:
	case errors.Is(err, fileserver.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "file exceeds "+h.files.LimitText())
		return
	case errors.Is(err, fileserver.ErrTypeNotAllowed), errors.Is(err, fileserver.ErrContentMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		if r.Context().Err() != nil {
			return
		}
		logger.Errorf("upload %q: %v", header.Filename, err)
		writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}

	writeJSON(w, http.StatusOK, FileUploadResponse{
		FileURL:     "/chat/files/" + saved.Name + "?name=" + url.QueryEscape(saved.DisplayName),
		FileName:    saved.DisplayName,
		FileType:    saved.MIME,
		FileSize:    saved.Size,
		MessageType: saved.Type,
	})
}

func declaredType(h *multipart.FileHeader) string {
	return h.Header.Get("Content-Type")
}

// Serve: GET /chat/files/{name}; query name=: оригинальное имя для Content-Disposition.
func (h *FileHandler) Serve(w http.ResponseWriter, r *http.Request) {
	f, mime, err := h.files.Open(chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, fileserver.ErrNotFound) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		logger.Errorf("serve file: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if name := r.URL.Query().Get("name"); name != "" {
		w.Header().Set("Content-Disposition", "inline; filename*=UTF-8''"+url.PathEscape(name))
	}
	// ServeContent даёт Range-запросы, без них аудио в браузере не перематывается
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}
