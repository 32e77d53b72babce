package client

import (
	"fmt"
	"os"
	"path"
	"strings"
)

const (
	adhocSuffix      = "|ADHOC"
	inlineXQuery     = "INLINE-XQUERY|"
	inlineJavaScript = "INLINE-JAVASCRIPT|"
)

// ModuleRequest turns a module option value into a request template:
//
//	INLINE-XQUERY|<query text>       ad hoc XQuery
//	INLINE-JAVASCRIPT|<query text>   ad hoc JavaScript
//	<local file>|ADHOC               ad hoc query read from a local file
//	<module path>                    installed module, relative paths under root
func ModuleRequest(ref, root string) (Request, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return Request{}, fmt.Errorf("empty module reference")

	case strings.HasPrefix(strings.ToUpper(ref), inlineXQuery):
		return inline(ref[len(inlineXQuery):], XQuery)

	case strings.HasPrefix(strings.ToUpper(ref), inlineJavaScript):
		return inline(ref[len(inlineJavaScript):], JavaScript)

	case strings.HasSuffix(strings.ToUpper(ref), adhocSuffix):
		file := ref[:len(ref)-len(adhocSuffix)]
		data, err := os.ReadFile(file)
		if err != nil {
			return Request{}, fmt.Errorf("reading adhoc module: %w", err)
		}
		if strings.TrimSpace(string(data)) == "" {
			return Request{}, fmt.Errorf("adhoc module %s is empty", file)
		}
		return Request{Query: string(data), Language: LanguageFor(file)}, nil

	default:
		return Request{Module: modulePath(root, ref), Language: LanguageFor(ref)}, nil
	}
}

func inline(text string, lang Language) (Request, error) {
	if strings.TrimSpace(text) == "" {
		return Request{}, fmt.Errorf("inline %s module is empty", lang)
	}
	return Request{Query: text, Language: lang}, nil
}

func modulePath(root, p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	if root == "" {
		root = "/"
	}
	return path.Join("/", root, p)
}
