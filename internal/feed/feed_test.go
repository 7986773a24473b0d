package feed

import (
	"context"
	"encoding/xml"
	"strings"
	"testing"
)

func TestAssembleFallsBackToPlaceholderSummary(t *testing.T) {
	iface := Assemble(context.Background(), GeneralMetadata{Name: "foo"}, "")
	if iface.Summary != defaultSummary {
		t.Errorf("Summary = %q, want placeholder", iface.Summary)
	}
}

func TestAssembleSetsNeedsTerminalFromClassifier(t *testing.T) {
	iface := Assemble(context.Background(), GeneralMetadata{
		Name:        "foo",
		Summary:     "does a thing",
		Classifiers: []string{"Environment :: Console"},
	}, "")
	if iface.NeedsTerminal == nil {
		t.Error("expected NeedsTerminal to be set")
	}
}

func TestAssembleWithoutConverterKeepsRawDescription(t *testing.T) {
	iface := Assemble(context.Background(), GeneralMetadata{
		Name:           "foo",
		Summary:        "does a thing",
		DescriptionRST: "Some *text*.",
	}, "")
	if iface.Description != "Some *text*." {
		t.Errorf("Description = %q, want raw RST kept verbatim", iface.Description)
	}
}

func TestMarshalParseRoundTrip(t *testing.T) {
	original := &Interface{
		MinInjectorVersion: "0.48",
		URI:                "http://example.org/feeds/foo.xml",
		Name:               "foo",
		Summary:            "does a thing",
		Implementations: []Implementation{
			{
				ID:        "foo-1.tar.gz",
				Arch:      "*-src",
				Version:   "0-1-4",
				Released:  "2000-02-03",
				Stability: "stable",
				ManifestDigest: ManifestDigest{SHA256New: strings.Repeat("a", 64)},
				Archive:        Archive{Href: "http://example.org/foo-1.tar.gz", Size: 1000},
			},
		},
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), xml.Header) {
		t.Error("expected the marshaled document to start with the XML header")
	}

	roundTripped, err := Parse(data, "")
	if err != nil {
		t.Fatal(err)
	}
	if roundTripped.Name != original.Name || len(roundTripped.Implementations) != 1 {
		t.Errorf("round trip mismatch: got %+v", roundTripped)
	}
	if roundTripped.Implementations[0].ID != "foo-1.tar.gz" {
		t.Errorf("Implementation.ID = %q, want %q", roundTripped.Implementations[0].ID, "foo-1.tar.gz")
	}
}

func TestParseEmptyDataYieldsEmptyInterface(t *testing.T) {
	iface, err := Parse(nil, "http://example.org/feeds/foo.xml")
	if err != nil {
		t.Fatal(err)
	}
	if len(iface.Implementations) != 0 {
		t.Error("expected no implementations for an absent prior feed")
	}
	if iface.URI != "http://example.org/feeds/foo.xml" {
		t.Errorf("URI = %q, want seeded URI", iface.URI)
	}
}

func TestLanguagesFromClassifiers(t *testing.T) {
	got := LanguagesFromClassifiers([]string{
		"Natural Language :: English",
		"Natural Language :: French",
		"Natural Language :: Klingon", // unrecognized, dropped
		"Programming Language :: Python",
	})
	if got != "en fr" {
		t.Errorf("LanguagesFromClassifiers() = %q, want %q", got, "en fr")
	}
}

func TestLicenseFromClassifiersPicksLexicographicallyFirst(t *testing.T) {
	got := LicenseFromClassifiers([]string{
		"License :: OSI Approved :: MIT License",
		"License :: OSI Approved :: Apache Software License",
		"Programming Language :: Python",
	})
	want := "License :: OSI Approved :: Apache Software License"
	if got != want {
		t.Errorf("LicenseFromClassifiers() = %q, want %q", got, want)
	}
}
