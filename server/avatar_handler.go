package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"CoWatch/logger"
	"CoWatch/storage"

	"github.com/gorilla/mux"
)

// AvatarStorage 头像存储，由 storage.AvatarStore 实现
type AvatarStorage interface {
	PutAvatar(ctx context.Context, r io.Reader, size int64, contentType string) (string, error)
	GetAvatar(ctx context.Context, objectName string) (io.ReadCloser, string, error)
}

// AvatarHandler 头像上传与读取
type AvatarHandler struct {
	store AvatarStorage
}

// NewAvatarHandler 创建头像处理器
func NewAvatarHandler(store AvatarStorage) *AvatarHandler {
	return &AvatarHandler{store: store}
}

// UploadAvatarResponse 上传结果，Avatar 可直接用作 avatar_change 的头像引用
type UploadAvatarResponse struct {
	Avatar string `json:"avatar"`
}

// UploadAvatarHandler 接收 multipart 表单中的 avatar 文件
func (h *AvatarHandler) UploadAvatarHandler(w http.ResponseWriter, r *http.Request) {
	// 多留 1KB 给表单边界和头部
	r.Body = http.MaxBytesReader(w, r.Body, storage.MaxAvatarSize+1024)
	if err := r.ParseMultipartForm(storage.MaxAvatarSize); err != nil {
		http.Error(w, "文件过大或表单无效", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("avatar")
	if err != nil {
		http.Error(w, "缺少 avatar 文件", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if header.Size > storage.MaxAvatarSize {
		http.Error(w, "文件过大", http.StatusRequestEntityTooLarge)
		return
	}

	// 以文件内容判断类型，不信任客户端声明
	head := make([]byte, 512)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		http.Error(w, "读取文件失败", http.StatusBadRequest)
		return
	}
	head = head[:n]
	contentType := http.DetectContentType(head)
	if _, ok := storage.AvatarExt(contentType); !ok {
		http.Error(w, "不支持的图片格式", http.StatusUnsupportedMediaType)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	objectName, err := h.store.PutAvatar(ctx, io.MultiReader(bytes.NewReader(head), file), header.Size, contentType)
	if err != nil {
		logger.Error("上传头像失败", logger.ErrorField(err))
		http.Error(w, "上传头像失败", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(&UploadAvatarResponse{Avatar: "/" + objectName})
}

// ServeAvatarHandler 从存储读取头像
func (h *AvatarHandler) ServeAvatarHandler(w http.ResponseWriter, r *http.Request) {
	objectName := strings.TrimPrefix(r.URL.Path, "/")

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	object, contentType, err := h.store.GetAvatar(ctx, objectName)
	if err != nil {
		if errors.Is(err, storage.ErrAvatarNotFound) {
			http.Error(w, "File not found", http.StatusNotFound)
			return
		}
		logger.Error("读取头像失败", logger.ErrorField(err), logger.String("object", objectName))
		http.Error(w, "读取头像失败", http.StatusInternalServerError)
		return
	}
	defer object.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000") // 缓存一年

	if _, err := io.Copy(w, object); err != nil {
		logger.Warn("Error serving avatar", logger.ErrorField(err), logger.String("object", objectName))
	}
}

// RegisterAvatarRoutes 注册头像路由
func RegisterAvatarRoutes(router *mux.Router, handler *AvatarHandler) {
	router.HandleFunc("/api/avatars", handler.UploadAvatarHandler).Methods(http.MethodPost)
	router.PathPrefix("/" + storage.AvatarPrefix).HandlerFunc(handler.ServeAvatarHandler).Methods(http.MethodGet)
}
