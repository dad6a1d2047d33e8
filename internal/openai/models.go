package openai

// ModelsResponse is the /v1/models list envelope.
type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// Model is one entry of the model list.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// NewModelsResponse wraps models in a list envelope; a nil slice encodes as [].
func NewModelsResponse(models []Model) ModelsResponse {
	if models == nil {
		models = []Model{}
	}
	return ModelsResponse{Object: "list", Data: models}
}

// FileObject is returned by the file upload endpoint.
type FileObject struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Bytes       int64  `json:"bytes"`
	CreatedAt   int64  `json:"created_at"`
	Filename    string `json:"filename"`
	Purpose     string `json:"purpose"`
	URL         string `json:"url"`
	Status      string `json:"status"`
	FileType    string `json:"filetype"`
	ContentType string `json:"content_type"`
}
