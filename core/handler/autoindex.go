package handler

import (
	"html"
	"net/url"
	"os"
	"strings"

	"github.com/Singert/gowebserv/core/utils"
)

// ListDirectory 生成目录列表页面，urlPath 是请求中的目录路径
func ListDirectory(dir, urlPath string) ([]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fsErr(utils.INTERNAL_SERVER_ERROR, "cannot read directory")
	}

	displayPath := urlPath
	if !strings.HasSuffix(displayPath, "/") {
		displayPath += "/"
	}
	title := "Directory listing for " + html.EscapeString(displayPath)

	var b strings.Builder
	b.WriteString("<!DOCTYPE HTML>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	b.WriteString("<title>" + title + "</title>\n</head>\n<body>\n")
	b.WriteString("<h1>" + title + "</h1>\n<hr>\n<ul>\n")
	if displayPath != "/" {
		b.WriteString("<li><a href=\"../\">../</a></li>\n")
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		href := (&url.URL{Path: name}).EscapedPath()
		b.WriteString("<li><a href=\"" + html.EscapeString(href) + "\">" + html.EscapeString(name) + "</a></li>\n")
	}
	b.WriteString("</ul>\n<hr>\n</body>\n</html>\n")
	return []byte(b.String()), nil
}
