package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/wwwzhouhui/qwen3-reverse/internal/apierr"
	"github.com/wwwzhouhui/qwen3-reverse/internal/core"
	"github.com/wwwzhouhui/qwen3-reverse/internal/httpserver/protocol"
	"github.com/wwwzhouhui/qwen3-reverse/internal/media"
)

const (
	defaultImageChatModel = "qwen3-vl-plus"
	multipartMemory       = 32 << 20
)

type filesEndpoint struct {
	server *Server
}

func newFilesEndpoint(server *Server) protocol.Endpoint {
	return &filesEndpoint{server: server}
}

func (e *filesEndpoint) Name() string { return "files" }

func (e *filesEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/v2/files/getstsToken", Handler: http.HandlerFunc(e.server.HandleSTSToken)},
		{Method: http.MethodPost, Path: "/v1/files/upload", Handler: http.HandlerFunc(e.server.HandleUpload), Protected: true},
		{Method: http.MethodPost, Path: "/v1/image/upload_and_chat", Handler: http.HandlerFunc(e.server.HandleImageChat), Protected: true},
		{Method: http.MethodPost, Path: "/v1/video/upload_and_chat", Handler: http.HandlerFunc(e.server.HandleVideoChat), Protected: true},
	}
}

type stsTokenRequest struct {
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize"`
	Filetype string `json:"filetype"`
}

// HandleSTSToken relays an upstream upload grant unchanged.
func (s *Server) HandleSTSToken(w http.ResponseWriter, r *http.Request) {
	var req stsTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, apierr.Wrap(apierr.KindInvalidRequest, "invalid JSON body", err))
		return
	}
	if strings.TrimSpace(req.Filename) == "" {
		s.respondError(w, &apierr.Error{Kind: apierr.KindInvalidRequest, Message: "filename is required", Param: "filename"})
		return
	}
	raw, err := s.bridge.STSToken(r.Context(), req.Filename, req.Filesize, req.Filetype)
	if err != nil {
		s.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// HandleUpload stores one multipart file and returns a file object.
func (s *Server) HandleUpload(w http.ResponseWriter, r *http.Request) {
	f, err := s.readFormFile(w, r, "file")
	if err != nil {
		s.respondError(w, err)
		return
	}
	obj, err := s.bridge.Upload(r.Context(), core.UploadInput{Data: f.data, Filename: f.filename, ContentType: f.contentType})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, obj)
}

// HandleImageChat uploads an image and asks about it in one exchange.
func (s *Server) HandleImageChat(w http.ResponseWriter, r *http.Request) {
	s.handleMediaChat(w, r, media.TypeImage, false)
}

// HandleVideoChat uploads a video and asks about it in one exchange.
func (s *Server) HandleVideoChat(w http.ResponseWriter, r *http.Request) {
	s.handleMediaChat(w, r, media.TypeVideo, true)
}

func (s *Server) handleMediaChat(w http.ResponseWriter, r *http.Request, kind string, streamDefault bool) {
	f, err := s.readFormFile(w, r, kind)
	if err != nil {
		s.respondError(w, err)
		return
	}
	in := core.MediaChatInput{
		Kind:        kind,
		Data:        f.data,
		Filename:    f.filename,
		ContentType: f.contentType,
		Prompt:      r.FormValue("prompt"),
		Model:       r.FormValue("model"),
	}
	if in.Model == "" {
		in.Model = defaultImageChatModel
	}
	if in.Stream, err = formBool(r, "stream", streamDefault); err != nil {
		s.respondError(w, err)
		return
	}
	if in.EnableThinking, err = formBool(r, "enable_thinking", false); err != nil {
		s.respondError(w, err)
		return
	}
	if v := strings.TrimSpace(r.FormValue("thinking_budget")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.respondError(w, &apierr.Error{Kind: apierr.KindInvalidRequest, Message: "thinking_budget must be an integer", Param: "thinking_budget", Err: err})
			return
		}
		in.ThinkingBudget = &n
	}

	ex, err := s.bridge.UploadAndChat(r.Context(), in)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondExchange(w, ex)
}

type formFile struct {
	data        []byte
	filename    string
	contentType string
}

func (s *Server) readFormFile(w http.ResponseWriter, r *http.Request, field string) (formFile, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return formFile{}, &apierr.Error{Kind: apierr.KindInvalidRequest, Message: "request body too large", Param: field, Code: "file_too_large", Err: err}
		}
		return formFile{}, apierr.Wrap(apierr.KindInvalidRequest, "invalid multipart form", err)
	}
	file, header, err := r.FormFile(field)
	if err != nil {
		return formFile{}, &apierr.Error{Kind: apierr.KindInvalidRequest, Message: "missing form file " + field, Param: field, Err: err}
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return formFile{}, apierr.Wrap(apierr.KindInvalidRequest, "read form file", err)
	}
	return formFile{data: data, filename: header.Filename, contentType: header.Header.Get("Content-Type")}, nil
}

func formBool(r *http.Request, key string, def bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(r.FormValue(key)))
	switch v {
	case "":
		return def, nil
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &apierr.Error{Kind: apierr.KindInvalidRequest, Message: key + " must be a boolean", Param: key, Err: err}
	}
	return b, nil
}
