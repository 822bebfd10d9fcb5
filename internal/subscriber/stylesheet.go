package subscriber

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lotas/readeasy/internal/settings"
)

const styledElements = "body, p, div, span, h1, h2, h3, h4, h5, h6, a, li, td, th"

// FontFamily maps a font setting to a CSS font-family list.
func FontFamily(font string) string {
	switch font {
	case "open-dyslexic":
		return `"OpenDyslexic", sans-serif`
	case "comic-sans":
		return `"Comic Sans MS", cursive`
	case "arial":
		return "Arial, sans-serif"
	case "", "sans-serif":
		return "sans-serif"
	}
	return strconv.Quote(font) + ", sans-serif"
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Stylesheet renders s as the page stylesheet. It depends on s alone, so the
// same settings always render the same text.
func Stylesheet(s settings.Settings) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s {\n", styledElements)
	fmt.Fprintf(&b, "  font-family: %s !important;\n", FontFamily(s.Font))
	fmt.Fprintf(&b, "  font-size: %spx !important;\n", num(s.FontSize))
	fmt.Fprintf(&b, "  letter-spacing: %sem !important;\n", num(s.LetterSpacing))
	fmt.Fprintf(&b, "  word-spacing: %sem !important;\n", num(s.WordSpacing))
	fmt.Fprintf(&b, "  line-height: %s !important;\n", num(s.LineSpacing))
	fmt.Fprintf(&b, "  color: %s !important;\n", s.TextColor)
	fmt.Fprintf(&b, "  background-color: %s !important;\n", s.BackgroundColor)
	b.WriteString("}\n")
	return b.String()
}
