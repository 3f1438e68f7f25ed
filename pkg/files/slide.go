package files

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrSlideOutOfRange is returned for a slide index outside the deck.
var ErrSlideOutOfRange = errors.New("slide index out of range")

type presentationXML struct {
	Slides []struct {
		RelID string `xml:"http://schemas.openxmlformats.org/officeDocument/2006/relationships id,attr"`
	} `xml:"sldIdLst>sldId"`
}

type relationshipsXML struct {
	Rels []struct {
		ID     string `xml:"Id,attr"`
		Target string `xml:"Target,attr"`
	} `xml:"Relationship"`
}

type slideXML struct {
	Tree struct {
		Shapes []shapeXML `xml:",any"`
	} `xml:"cSld>spTree"`
}

type shapeXML struct {
	XMLName xml.Name
	Ph      *struct{} `xml:"nvSpPr>nvPr>ph"`
	TxBody  *struct {
		Paragraphs []struct {
			Parts []struct {
				XMLName xml.Name
				Text    string `xml:"t"`
			} `xml:",any"`
		} `xml:"p"`
	} `xml:"txBody"`
}

// shapeTypes maps spTree children to the shape type names reported to
// the model. Anything else in the tree is group metadata.
var shapeTypes = map[string]string{
	"sp":           "Shape",
	"pic":          "Picture",
	"graphicFrame": "GraphicFrame",
	"grpSp":        "GroupShape",
	"cxnSp":        "Connector",
}

// SlideCount returns the number of slides in the deck.
func SlideCount(path string) (int, error) {
	d, err := openDeck(path)
	if err != nil {
		return 0, err
	}
	defer d.Close()
	return len(d.slides), nil
}

// SlideXML renders the zero-based slide as a simplified XML tree of its
// shapes and their paragraphs.
func SlideXML(path string, index int) (string, error) {
	d, err := openDeck(path)
	if err != nil {
		return "", err
	}
	defer d.Close()

	if index < 0 || index >= len(d.slides) {
		return "", fmt.Errorf("%w: %d", ErrSlideOutOfRange, index)
	}

	var s slideXML
	if err := d.decode(d.slides[index], &s); err != nil {
		return "", fmt.Errorf("reading slide %d: %w", index, err)
	}

	var b strings.Builder
	b.WriteString("<slide>\n  <shapes>\n")
	id := 0
	for _, sh := range s.Tree.Shapes {
		typ, ok := shapeTypes[sh.XMLName.Local]
		if !ok {
			continue
		}
		if typ == "Shape" && sh.Ph != nil {
			typ = "SlidePlaceholder"
		}
		fmt.Fprintf(&b, "    <shape id='%d' type='%s'>\n", id, typ)
		id++
		if sh.XMLName.Local == "sp" {
			b.WriteString("      <text_frame>\n")
			if sh.TxBody == nil || len(sh.TxBody.Paragraphs) == 0 {
				b.WriteString("        <paragraph></paragraph>\n")
			} else {
				for _, p := range sh.TxBody.Paragraphs {
					var text strings.Builder
					for _, part := range p.Parts {
						switch part.XMLName.Local {
						case "r", "fld":
							text.WriteString(part.Text)
						case "br":
							text.WriteString("\n")
						}
					}
					fmt.Fprintf(&b, "        <paragraph>%s</paragraph>\n", escapeText(text.String()))
				}
			}
			b.WriteString("      </text_frame>\n")
		}
		b.WriteString("    </shape>\n")
	}
	b.WriteString("  </shapes>\n</slide>")
	return b.String(), nil
}

var textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeText(s string) string { return textEscaper.Replace(s) }

type deck struct {
	*zip.ReadCloser
	parts  map[string]*zip.File
	slides []string
}

func openDeck(p string) (*deck, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("opening presentation: %w", err)
	}
	d := &deck{ReadCloser: zr, parts: map[string]*zip.File{}}
	for _, f := range zr.File {
		d.parts[f.Name] = f
	}

	var pres presentationXML
	if err := d.decode("ppt/presentation.xml", &pres); err != nil {
		zr.Close()
		return nil, fmt.Errorf("reading presentation: %w", err)
	}
	var rels relationshipsXML
	if err := d.decode("ppt/_rels/presentation.xml.rels", &rels); err != nil {
		zr.Close()
		return nil, fmt.Errorf("reading presentation relationships: %w", err)
	}
	targets := map[string]string{}
	for _, r := range rels.Rels {
		targets[r.ID] = r.Target
	}
	for _, s := range pres.Slides {
		target, ok := targets[s.RelID]
		if !ok {
			zr.Close()
			return nil, fmt.Errorf("slide relationship %q not found", s.RelID)
		}
		if strings.HasPrefix(target, "/") {
			target = strings.TrimPrefix(target, "/")
		} else {
			target = path.Join("ppt", target)
		}
		d.slides = append(d.slides, target)
	}
	return d, nil
}

func (d *deck) decode(name string, v any) error {
	f, ok := d.parts[name]
	if !ok {
		return fmt.Errorf("part %s missing", name)
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return xml.NewDecoder(io.LimitReader(rc, 64<<20)).Decode(v)
}
