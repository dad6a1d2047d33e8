package media

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

const minPromptRunes = 10

var officeMarkers = []string{"word", "excel", "powerpoint", "spreadsheet", "presentation"}

// SmartPrompt replaces a prompt shorter than ten characters with an analysis
// request derived from the attached files. files are raw descriptors so that
// pass-through file_info objects are inspected the same way as built ones.
func SmartPrompt(prompt string, files []json.RawMessage) string {
	if len(files) == 0 || utf8.RuneCountInString(strings.TrimSpace(prompt)) >= minPromptRunes {
		return prompt
	}

	var images, videos, pdf, office, text, jsonDoc, xml bool
	for _, f := range files {
		class := gjson.GetBytes(f, "file_class").String()
		if class == "" {
			class = ClassDocument.FileClass
		}
		ft := gjson.GetBytes(f, "file_type").String()
		if ft == "" {
			ft = "application/octet-stream"
		}
		images = images || class == ClassImage.FileClass
		videos = videos || class == ClassVideo.FileClass
		pdf = pdf || strings.Contains(ft, "pdf")
		text = text || strings.HasPrefix(ft, "text/")
		jsonDoc = jsonDoc || strings.Contains(ft, "json")
		xml = xml || strings.Contains(ft, "xml")
		for _, m := range officeMarkers {
			office = office || strings.Contains(ft, m)
		}
	}

	var asks []string
	add := func(cond bool, s string) {
		if cond {
			asks = append(asks, s)
		}
	}
	add(images, "识别图片中的内容和信息")
	add(videos, "分析视频内容、场景信息和关键画面")
	add(pdf, "解析PDF文档中的文本内容和结构信息")
	add(office, "分析Office文档(Word/Excel/PowerPoint)的内容和数据")
	add(text, "处理文本文件的内容")
	add(jsonDoc, "解析JSON数据结构和内容")
	add(xml, "解析XML文档结构和数据")

	if len(asks) == 0 {
		return "请分析这些文件的内容并提供详细信息。"
	}
	return "请帮我" + strings.Join(asks, ", ") + "，并提供详细分析。"
}
