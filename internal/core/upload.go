package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/wwwzhouhui/qwen3-reverse/internal/apierr"
	"github.com/wwwzhouhui/qwen3-reverse/internal/media"
	"github.com/wwwzhouhui/qwen3-reverse/internal/openai"
	"github.com/wwwzhouhui/qwen3-reverse/internal/oss"
)

const defaultUploadFilename = "uploaded_file"

type blob struct {
	data        []byte
	filename    string
	contentType string
	fileType    string
	userID      string
}

type uploaded struct {
	fileID     string
	result     oss.Result
	descriptor media.Descriptor
}

// upload fetches a grant for b and stores it through the coordinator.
func (b *Bridge) upload(ctx context.Context, in blob) (uploaded, error) {
	size := int64(len(in.data))
	grant, err := b.upstream.STSToken(ctx, in.filename, size, in.fileType)
	if err != nil {
		return uploaded{}, err
	}
	res, err := b.uploader.Upload(ctx, oss.Object{
		Data:        in.data,
		Filename:    in.filename,
		ContentType: in.contentType,
		Video:       in.fileType == media.TypeVideo,
	}, grant.Credential)
	if err != nil {
		return uploaded{}, err
	}
	fileID := grant.Credential.FileID
	if fileID == "" {
		fileID = uuid.NewString()
	}
	desc := media.NewDescriptor(media.Source{
		FileID:      fileID,
		Filename:    in.filename,
		URL:         res.URL,
		FileType:    in.fileType,
		ContentType: in.contentType,
		Size:        size,
		UserID:      in.userID,
	}, b.now())
	return uploaded{fileID: fileID, result: res, descriptor: desc}, nil
}

// UploadInput is a file received by the upload endpoint.
type UploadInput struct {
	Data     []byte
	Filename string
	// ContentType is the part header value, possibly empty.
	ContentType string
}

// Upload stores a client file and describes it as an OpenAI-style file object.
func (b *Bridge) Upload(ctx context.Context, in UploadInput) (openai.FileObject, error) {
	if len(in.Data) == 0 {
		return openai.FileObject{}, &apierr.Error{Kind: apierr.KindInvalidRequest, Message: "file is empty", Param: "file"}
	}
	filename := in.Filename
	if filename == "" {
		filename = defaultUploadFilename
	}
	fileType := media.FileType(filename, in.ContentType)
	contentType := media.ContentType(filename, in.ContentType)

	up, err := b.upload(ctx, blob{data: in.Data, filename: filename, contentType: contentType, fileType: fileType})
	if err != nil {
		return openai.FileObject{}, err
	}
	return openai.FileObject{
		ID:          up.fileID,
		Object:      "file",
		Bytes:       int64(len(in.Data)),
		CreatedAt:   b.now().Unix(),
		Filename:    filename,
		Purpose:     "multimodal",
		URL:         up.result.URL,
		Status:      "uploaded",
		FileType:    fileType,
		ContentType: contentType,
	}, nil
}

// MediaChatInput is an upload-and-chat form submission.
type MediaChatInput struct {
	// Kind is media.TypeImage or media.TypeVideo.
	Kind           string
	Data           []byte
	Filename       string
	ContentType    string
	Prompt         string
	Model          string
	Stream         bool
	EnableThinking bool
	ThinkingBudget *int
}

// UploadAndChat stores one image or video and runs a single multimodal
// exchange about it.
func (b *Bridge) UploadAndChat(ctx context.Context, in MediaChatInput) (*Exchange, error) {
	acct, err := b.upstream.RequireAccount()
	if err != nil {
		return nil, err
	}
	field := in.Kind
	if len(in.Data) == 0 {
		return nil, &apierr.Error{Kind: apierr.KindInvalidRequest, Message: field + " is empty", Param: field}
	}

	var contentType string
	partType := openai.PartImageURL
	switch in.Kind {
	case media.TypeImage:
		if int64(len(in.Data)) > b.maxImageBytes {
			return nil, &apierr.Error{
				Kind:    apierr.KindInvalidRequest,
				Message: fmt.Sprintf("图片大小超过限制 (%d MB)", b.maxImageBytes>>20),
				Param:   "image",
				Code:    "file_too_large",
			}
		}
		if in.Filename == "" {
			in.Filename = "image.jpg"
		}
		contentType = media.ImageContentType(in.Filename, in.ContentType)
	case media.TypeVideo:
		if in.Filename == "" {
			in.Filename = "video.mp4"
		}
		contentType = in.ContentType
		if contentType == "" {
			contentType = "video/mp4"
		}
		partType = openai.PartVideoURL
	default:
		return nil, apierr.New(apierr.KindInvalidRequest, "unsupported media kind "+in.Kind)
	}

	up, err := b.upload(ctx, blob{
		data:        in.Data,
		filename:    in.Filename,
		contentType: contentType,
		fileType:    in.Kind,
		userID:      acct.UserIDOrUnknown(),
	})
	if err != nil {
		return nil, err
	}
	info, err := json.Marshal(up.descriptor)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "encode file descriptor", err)
	}

	mediaPart := openai.ContentPart{Type: partType, FileInfo: info}
	if partType == openai.PartVideoURL {
		mediaPart.VideoURL = &openai.MediaURL{URL: up.result.URL}
	} else {
		mediaPart.ImageURL = &openai.MediaURL{URL: up.result.URL}
	}
	model := in.Model
	if model == "" {
		model = defaultMultimodalModel
	}
	thinking := in.EnableThinking
	req := openai.ChatCompletionRequest{
		Model:  model,
		Stream: in.Stream,
		Messages: []openai.ChatMessage{{
			Role: "user",
			Content: openai.PartsContent(
				openai.ContentPart{Type: openai.PartText, Text: in.Prompt},
				mediaPart,
			),
		}},
		EnableThinking: &thinking,
		ThinkingBudget: in.ThinkingBudget,
	}
	return b.Chat(ctx, req, ChatOptions{Multimodal: true})
}
