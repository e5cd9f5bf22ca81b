package maven

import "testing"

func TestIsMetadata(t *testing.T) {
	cases := map[string]bool{
		"org/foo/bar/maven-metadata.xml":                true,
		"org/foo/bar/maven-metadata.xml.sha1":           true,
		"org/foo/bar/1.0/bar-1.0.jar":                   false,
		"org/foo/bar/1.0/bar-1.0.pom":                   false,
		"org/foo/bar/1.0-SNAPSHOT/bar-1.0-SNAPSHOT.jar": false,
	}
	for p, want := range cases {
		if got := isMetadata(p); got != want {
			t.Fatalf("isMetadata(%q) = %v, want %v", p, got, want)
		}
	}
}

func TestContentType(t *testing.T) {
	if ct := contentType("a/b.pom"); ct != "application/xml" {
		t.Fatalf("unexpected pom content type %q", ct)
	}
	if ct := contentType("a/b.jar"); ct != "application/java-archive" {
		t.Fatalf("unexpected jar content type %q", ct)
	}
	if ct := contentType("a/b.bin"); ct != "" {
		t.Fatalf("unknown extension should defer to default, got %q", ct)
	}
}
