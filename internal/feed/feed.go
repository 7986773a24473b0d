// Package feed assembles and (de)serializes the target ecosystem's signed
// XML feed documents: one interface root per package, with one
// implementation element per convertible release.
package feed

import (
	"bytes"
	"context"
	"encoding/xml"
	"os/exec"
	"strings"
	"time"
)

const compileNamespace = "http://zero-install.sourceforge.net/2006/namespaces/0compile"

// descriptionTimeout bounds the external RST-to-plain conversion; on
// timeout or non-zero exit the raw text is kept, per spec.
const descriptionTimeout = time.Second

// Interface is the feed document root.
type Interface struct {
	XMLName            xml.Name         `xml:"interface"`
	MinInjectorVersion string           `xml:"min-injector-version,attr"`
	URI                string           `xml:"uri,attr,omitempty"`
	Name               string           `xml:"name"`
	Summary            string           `xml:"summary"`
	Homepage           string           `xml:"homepage,omitempty"`
	Description        string           `xml:"description,omitempty"`
	NeedsTerminal      *struct{}        `xml:"needs-terminal,omitempty"`
	Implementations    []Implementation `xml:"implementation"`
}

// ManifestDigest is the content-addressed digest of an implementation's
// extracted tree.
type ManifestDigest struct {
	XMLName   xml.Name `xml:"manifest-digest"`
	SHA256New string   `xml:"sha256new,attr"`
}

// Archive is the downloadable artifact an implementation unpacks from.
type Archive struct {
	XMLName xml.Name `xml:"archive"`
	Href    string   `xml:"href,attr"`
	Size    int64    `xml:"size,attr"`
}

// Environment is one compile-time environment variable mutation.
type Environment struct {
	XMLName xml.Name `xml:"environment"`
	Name    string   `xml:"name,attr"`
	Insert  string   `xml:"insert,attr,omitempty"`
	Value   string   `xml:"value,attr,omitempty"`
	Mode    string   `xml:"mode,attr,omitempty"`
}

// Runner names the feed that provides the interpreter a compile command
// runs under.
type Runner struct {
	XMLName   xml.Name `xml:"runner"`
	Interface string   `xml:"interface,attr"`
}

// Requires is one dependency reference.
type Requires struct {
	XMLName    xml.Name `xml:"requires"`
	Interface  string   `xml:"interface,attr"`
	Importance string   `xml:"importance,attr,omitempty"`
	Version    string   `xml:"version,attr,omitempty"`
}

// CompileImplementation is the nested, compile-namespaced implementation
// describing what a source implementation builds into.
type CompileImplementation struct {
	XMLName  xml.Name   `xml:"http://zero-install.sourceforge.net/2006/namespaces/0compile implementation"`
	Arch     string     `xml:"arch,attr"`
	Version  string     `xml:"version,attr"`
	Released string     `xml:"released,attr"`
	Stability string    `xml:"stability,attr"`
	Langs    string     `xml:"langs,attr,omitempty"`
	License  string     `xml:"license,attr,omitempty"`
	Requires []Requires `xml:"requires,omitempty"`
}

// Command is the "compile" command subtree a source implementation carries.
type Command struct {
	XMLName               xml.Name              `xml:"command"`
	Name                  string                `xml:"name,attr"`
	Runner                Runner                `xml:"runner"`
	Environments          []Environment         `xml:"environment"`
	CompileImplementation CompileImplementation `xml:"implementation"`
}

// Implementation describes one installable release artifact.
type Implementation struct {
	XMLName        xml.Name       `xml:"implementation"`
	ID             string         `xml:"id,attr"`
	Arch           string         `xml:"arch,attr"`
	Version        string         `xml:"version,attr"`
	Released       string         `xml:"released,attr"`
	Stability      string         `xml:"stability,attr"`
	Langs          string         `xml:"langs,attr,omitempty"`
	License        string        `xml:"license,attr,omitempty"`
	ManifestDigest ManifestDigest `xml:"manifest-digest"`
	Archive        Archive        `xml:"archive"`
	Command        *Command       `xml:"command,omitempty"`
	Requires       []Requires     `xml:"requires,omitempty"`
}

// CompileEnvironment returns the three environment mutations every compile
// command carries: PYTHONPATH and PATH prepended, and bytecode writing
// disabled.
func CompileEnvironment() []Environment {
	return []Environment{
		{Name: "PYTHONPATH", Insert: "$DISTDIR/lib"},
		{Name: "PATH", Insert: "$DISTDIR/scripts"},
		{Name: "PYTHONDONTWRITEBYTECODE", Value: "true", Mode: "replace"},
	}
}

// GeneralMetadata is the package-level (not per-release) data the feed
// assembler needs to build an Interface root.
type GeneralMetadata struct {
	URI            string
	Name           string
	Summary        string
	Homepage       string
	DescriptionRST string
	Classifiers    []string
}

const defaultSummary = "(no summary available)"

// Assemble builds the feed root for a package, converting its
// reStructuredText description to plain text with rstConverterPath (an
// external tool; spec places its internals out of scope). On any
// conversion failure the raw RST is kept verbatim.
func Assemble(ctx context.Context, meta GeneralMetadata, rstConverterPath string) *Interface {
	iface := &Interface{
		MinInjectorVersion: "0.48",
		URI:                meta.URI,
		Name:               meta.Name,
		Summary:            meta.Summary,
		Homepage:           meta.Homepage,
	}
	if iface.Summary == "" {
		iface.Summary = defaultSummary
	}
	if meta.DescriptionRST != "" {
		iface.Description = convertDescription(ctx, meta.DescriptionRST, rstConverterPath)
	}
	for _, c := range meta.Classifiers {
		if c == "Environment :: Console" {
			iface.NeedsTerminal = &struct{}{}
			break
		}
	}
	return iface
}

func convertDescription(ctx context.Context, rst, converterPath string) string {
	if converterPath == "" {
		return rst
	}
	ctx, cancel := context.WithTimeout(ctx, descriptionTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, converterPath, "-f", "rst", "-t", "plain")
	cmd.Stdin = strings.NewReader(rst)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return rst
	}
	return out.String()
}

// Parse decodes an existing feed document, or returns an empty Interface
// rooted at uri if data is empty (the "no prior feed" case).
func Parse(data []byte, uri string) (*Interface, error) {
	if len(data) == 0 {
		return &Interface{MinInjectorVersion: "0.48", URI: uri}, nil
	}
	var iface Interface
	if err := xml.Unmarshal(data, &iface); err != nil {
		return nil, err
	}
	return &iface, nil
}

// Marshal renders iface as indented XML with a document header.
func Marshal(iface *Interface) ([]byte, error) {
	body, err := xml.MarshalIndent(iface, "", "  ")
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	out.WriteString(xml.Header)
	out.Write(body)
	out.WriteByte('\n')
	return out.Bytes(), nil
}

// languageClassifiers maps a "Natural Language :: X" classifier suffix to
// its target-ecosystem language code, ported verbatim from
// original_source's convert/_various.py "languages" table (including its
// "Ukranian" misspelling, which is the classifier string the original
// actually matches against).
var languageClassifiers = map[string]string{
	"Afrikaans":              "af",
	"Arabic":                 "ar",
	"Bengali":                "bn",
	"Bosnian":                "bs",
	"Bulgarian":               "bg",
	"Cantonese":               "zh_HK",
	"Catalan":                 "ca",
	"Chinese (Simplified)":    "zh_HANS",
	"Chinese (Traditional)":   "zh_HANT",
	"Croatian":                "hr",
	"Czech":                   "cs",
	"Danish":                  "da",
	"Dutch":                   "nl",
	"English":                 "en",
	"Esperanto":               "eo",
	"Finnish":                 "fi",
	"French":                  "fr",
	"Galician":                "gl",
	"German":                  "de",
	"Greek":                   "el",
	"Hebrew":                  "he",
	"Hindi":                   "hi",
	"Hungarian":               "hu",
	"Icelandic":               "is",
	"Indonesian":              "id",
	"Italian":                 "it",
	"Japanese":                "ja",
	"Javanese":                "jv",
	"Korean":                  "ko",
	"Latin":                   "la",
	"Latvian":                 "lv",
	"Macedonian":              "mk",
	"Malay":                   "ms",
	"Marathi":                 "mr",
	"Norwegian":               "nb_NO",
	"Panjabi":                 "pa",
	"Persian":                 "fa_IR",
	"Polish":                  "pl",
	"Portuguese":              "pt_PT",
	"Portuguese (Brazilian)":  "pt_BR",
	"Romanian":                "ro",
	"Russian":                 "ru",
	"Serbian":                 "sr",
	"Slovak":                  "sk",
	"Slovenian":               "sl",
	"Spanish":                 "es",
	"Swedish":                 "sv",
	"Tamil":                   "ta",
	"Telugu":                  "te",
	"Thai":                    "th",
	"Turkish":                 "tr",
	"Ukranian":                "uk",
	"Urdu":                    "ur",
	"Vietnamese":              "vi",
}

// LanguagesFromClassifiers extracts the space-separated language code list
// the Langs attribute carries, from a release's classifier list.
func LanguagesFromClassifiers(classifiers []string) string {
	const prefix = "Natural Language :: "
	var codes []string
	for _, c := range classifiers {
		if !strings.HasPrefix(c, prefix) {
			continue
		}
		if code, ok := languageClassifiers[strings.TrimPrefix(c, prefix)]; ok {
			codes = append(codes, code)
		}
	}
	return strings.Join(codes, " ")
}

// LicenseFromClassifiers returns the lexicographically first classifier
// starting with "License ::", or "" if none exists.
func LicenseFromClassifiers(classifiers []string) string {
	var best string
	for _, c := range classifiers {
		if !strings.HasPrefix(c, "License ::") {
			continue
		}
		if best == "" || c < best {
			best = c
		}
	}
	return best
}
