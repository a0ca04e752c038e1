package generator

import (
	"regexp"
	"strings"

	pinyin "github.com/mozillazg/go-pinyin"
)

// adKeywords mirrors the fixed ad-keyword list spec §4.7 calls for:
// paragraphs containing any of these (case-insensitive) are dropped
// before annotation, the same include/exclude pattern-list shape the
// original quality filter used to score repositories.
var adKeywords = []string{
	"广告", "推广", "扫码", "关注公众号", "点击进入", "立即下载",
	"sponsored", "advertisement", "click here", "subscribe now", "download now",
}

var controlCharPattern = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`)
var htmlTagPattern = regexp.MustCompile(`<[^>]+>`)

var pinyinArgs = pinyin.NewArgs()

// chinesePunctuationNames maps CJK punctuation to the syllable name the
// original pinyin annotator emits for it.
var chinesePunctuationNames = map[rune]string{
	'，': "dou", '。': "ju", '！': "tan", '？': "wen", '；': "fen",
	'：': "mao", '“': "yin", '”': "yin", '‘': "yin", '’': "yin",
	'（': "kuo", '）': "kuo", '【': "kuo", '】': "kuo", '、': "dun",
}

func isCJK(r rune) bool {
	return r >= 0x4e00 && r <= 0x9fff
}

// CleanParagraphs splits body into lines, strips HTML tags and control
// characters from each, drops short and ad paragraphs, and returns the
// survivors in order.
func CleanParagraphs(body string, minLength int) []string {
	lines := strings.Split(body, "\n")
	var kept []string

	for _, line := range lines {
		p := strings.TrimSpace(line)
		if p == "" {
			continue
		}

		p = htmlTagPattern.ReplaceAllString(p, "")
		p = controlCharPattern.ReplaceAllString(p, "")
		p = strings.TrimSpace(p)

		if len([]rune(p)) < minLength {
			continue
		}
		if containsAdKeyword(p) {
			continue
		}

		kept = append(kept, p)
	}

	return kept
}

func containsAdKeyword(p string) bool {
	lower := strings.ToLower(p)
	for _, kw := range adKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// Annotate appends a parenthesized pinyin reading after every CJK
// character and a parenthesized syllable name after CJK punctuation, per
// spec §4.7's "字(zi)" example: "汉字" -> "汉(han)字(zi)".
func Annotate(paragraph string) string {
	var b strings.Builder
	for _, r := range paragraph {
		b.WriteRune(r)

		switch {
		case isCJK(r):
			readings := pinyin.SinglePinyin(r, pinyinArgs)
			if len(readings) > 0 {
				b.WriteByte('(')
				b.WriteString(readings[0])
				b.WriteByte(')')
			}
		case chinesePunctuationNames[r] != "":
			b.WriteByte('(')
			b.WriteString(chinesePunctuationNames[r])
			b.WriteByte(')')
		}
	}
	return b.String()
}
