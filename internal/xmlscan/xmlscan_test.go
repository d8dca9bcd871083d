package xmlscan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindTagValue(t *testing.T) {
	t.Run("simple tag", func(t *testing.T) {
		got := FindTagValue("<root><title>Hello</title></root>", "title")
		require.True(t, got.OK)
		require.Equal(t, "Hello", got.Value)
	})

	t.Run("trims surrounding whitespace", func(t *testing.T) {
		got := FindTagValue("<title>\n  Hello World \r\n</title>", "title")
		require.True(t, got.OK)
		require.Equal(t, "Hello World", got.Value)
	})

	t.Run("namespaced document matches plain request", func(t *testing.T) {
		got := FindTagValue("<dc:title>x</dc:title>", "title")
		require.True(t, got.OK)
		require.Equal(t, "x", got.Value)
	})

	t.Run("plain document matches namespaced request", func(t *testing.T) {
		got := FindTagValue("<title>x</title>", "dc:title")
		require.True(t, got.OK)
		require.Equal(t, "x", got.Value)
	})

	t.Run("self-closing tag yields empty value", func(t *testing.T) {
		got := FindTagValue("<a><tag/></a>", "tag")
		require.True(t, got.OK)
		require.Equal(t, "", got.Value)
	})

	t.Run("self-closing with space", func(t *testing.T) {
		got := FindTagValue("<tag />", "tag")
		require.True(t, got.OK)
		require.Equal(t, "", got.Value)
	})

	t.Run("nested same-named tags are depth tracked", func(t *testing.T) {
		got := FindTagValue("<a><a>inner</a></a>", "a")
		require.True(t, got.OK)
		require.Equal(t, "<a>inner</a>", got.Value)
	})

	t.Run("deeply nested same-named tags", func(t *testing.T) {
		got := FindTagValue("<x><x><x>core</x></x>tail</x>", "x")
		require.True(t, got.OK)
		require.Equal(t, "<x><x>core</x></x>tail", got.Value)
	})

	t.Run("nested self-closing does not affect depth", func(t *testing.T) {
		got := FindTagValue("<a>one<a/>two</a>", "a")
		require.True(t, got.OK)
		require.Equal(t, "one<a/>two", got.Value)
	})

	t.Run("skips declaration comment and cdata", func(t *testing.T) {
		xml := `<?xml version="1.0"?><!-- <title>not me</title> --><![CDATA[<title>nope</title>]]><title>yes</title>`
		got := FindTagValue(xml, "title")
		require.True(t, got.OK)
		require.Equal(t, "yes", got.Value)
	})

	t.Run("decodes entities in content", func(t *testing.T) {
		got := FindTagValue("<t>Tom &amp; Jerry &lt;3</t>", "t")
		require.True(t, got.OK)
		require.Equal(t, "Tom & Jerry <3", got.Value)
	})

	t.Run("attributes on opening tag are ignored", func(t *testing.T) {
		got := FindTagValue(`<title lang="en">Hi</title>`, "title")
		require.True(t, got.OK)
		require.Equal(t, "Hi", got.Value)
	})

	t.Run("empty document fails", func(t *testing.T) {
		got := FindTagValue("", "title")
		require.False(t, got.OK)
		require.NotEmpty(t, got.Err)
	})

	t.Run("empty tag name fails", func(t *testing.T) {
		got := FindTagValue("<title>x</title>", "")
		require.False(t, got.OK)
		require.NotEmpty(t, got.Err)
	})

	t.Run("missing tag fails", func(t *testing.T) {
		got := FindTagValue("<a>x</a>", "title")
		require.False(t, got.OK)
		require.NotEmpty(t, got.Err)
	})

	t.Run("missing closing tag fails", func(t *testing.T) {
		got := FindTagValue("<title>truncated", "title")
		require.False(t, got.OK)
		require.NotEmpty(t, got.Err)
	})

	t.Run("unclosed comment fails", func(t *testing.T) {
		got := FindTagValue("<!-- never closed <title>x</title>", "title")
		require.False(t, got.OK)
		require.NotEmpty(t, got.Err)
	})
}

func TestFindAttributeValue(t *testing.T) {
	t.Run("double quoted attribute", func(t *testing.T) {
		got := FindAttributeValue(`<Volume channel="Master" val="42"/>`, "Volume", "val")
		require.True(t, got.OK)
		require.Equal(t, "42", got.Value)
	})

	t.Run("single quoted attribute", func(t *testing.T) {
		got := FindAttributeValue(`<TransportState val='PLAYING'/>`, "TransportState", "val")
		require.True(t, got.OK)
		require.Equal(t, "PLAYING", got.Value)
	})

	t.Run("entity decoded value", func(t *testing.T) {
		got := FindAttributeValue(`<Meta val="&lt;DIDL&gt;"/>`, "Meta", "val")
		require.True(t, got.OK)
		require.Equal(t, "<DIDL>", got.Value)
	})

	t.Run("namespaced tag matches plain request", func(t *testing.T) {
		got := FindAttributeValue(`<upnp:albumArtURI uri="/art.jpg"/>`, "albumArtURI", "uri")
		require.True(t, got.OK)
		require.Equal(t, "/art.jpg", got.Value)
	})

	t.Run("missing attribute fails", func(t *testing.T) {
		got := FindAttributeValue(`<Volume channel="Master"/>`, "Volume", "val")
		require.False(t, got.OK)
		require.NotEmpty(t, got.Err)
	})

	t.Run("missing tag fails", func(t *testing.T) {
		got := FindAttributeValue(`<Mute val="0"/>`, "Volume", "val")
		require.False(t, got.OK)
		require.NotEmpty(t, got.Err)
	})

	t.Run("empty inputs fail", func(t *testing.T) {
		require.False(t, FindAttributeValue("", "a", "b").OK)
		require.False(t, FindAttributeValue("<a/>", "", "b").OK)
		require.False(t, FindAttributeValue("<a/>", "a", "").OK)
	})
}

func TestDecodeEntities(t *testing.T) {
	t.Run("five built-ins", func(t *testing.T) {
		require.Equal(t, `& < > " '`, DecodeEntities("&amp; &lt; &gt; &quot; &apos;"))
	})

	t.Run("decimal reference", func(t *testing.T) {
		require.Equal(t, "A", DecodeEntities("&#65;"))
	})

	t.Run("hex reference", func(t *testing.T) {
		require.Equal(t, "A", DecodeEntities("&#x41;"))
	})

	t.Run("two byte sequence", func(t *testing.T) {
		require.Equal(t, "é", DecodeEntities("&#233;"))
	})

	t.Run("three byte sequence", func(t *testing.T) {
		require.Equal(t, "€", DecodeEntities("&#x20AC;"))
	})

	t.Run("four byte sequence", func(t *testing.T) {
		require.Equal(t, "\U0001F3B5", DecodeEntities("&#x1F3B5;"))
	})

	t.Run("beyond max code point passes through", func(t *testing.T) {
		require.Equal(t, "&#x110000;", DecodeEntities("&#x110000;"))
	})

	t.Run("unknown entity passes through", func(t *testing.T) {
		require.Equal(t, "&nbsp;", DecodeEntities("&nbsp;"))
	})

	t.Run("bare ampersand passes through", func(t *testing.T) {
		require.Equal(t, "fish & chips", DecodeEntities("fish & chips"))
	})
}

func TestParseTimeToSeconds(t *testing.T) {
	t.Run("hours minutes seconds", func(t *testing.T) {
		got, err := ParseTimeToSeconds("1:02:03")
		require.NoError(t, err)
		require.Equal(t, 3723, got)
	})

	t.Run("minutes seconds", func(t *testing.T) {
		got, err := ParseTimeToSeconds("2:05")
		require.NoError(t, err)
		require.Equal(t, 125, got)
	})

	t.Run("zero", func(t *testing.T) {
		got, err := ParseTimeToSeconds("0:00:00")
		require.NoError(t, err)
		require.Equal(t, 0, got)
	})

	t.Run("minutes out of range", func(t *testing.T) {
		_, err := ParseTimeToSeconds("1:60:00")
		require.Error(t, err)
	})

	t.Run("seconds out of range", func(t *testing.T) {
		_, err := ParseTimeToSeconds("0:61")
		require.Error(t, err)
	})

	t.Run("empty fails", func(t *testing.T) {
		_, err := ParseTimeToSeconds("")
		require.Error(t, err)
	})

	t.Run("no colon fails", func(t *testing.T) {
		_, err := ParseTimeToSeconds("123")
		require.Error(t, err)
	})

	t.Run("non digit part fails", func(t *testing.T) {
		_, err := ParseTimeToSeconds("1:2x:03")
		require.Error(t, err)
	})
}

func TestParseInt(t *testing.T) {
	t.Run("negative", func(t *testing.T) {
		got, err := ParseInt("-42")
		require.NoError(t, err)
		require.Equal(t, -42, got)
	})

	t.Run("explicit plus", func(t *testing.T) {
		got, err := ParseInt("+7")
		require.NoError(t, err)
		require.Equal(t, 7, got)
	})

	t.Run("surrounding whitespace", func(t *testing.T) {
		got, err := ParseInt("  57 ")
		require.NoError(t, err)
		require.Equal(t, 57, got)
	})

	t.Run("letters fail", func(t *testing.T) {
		_, err := ParseInt("abc")
		require.Error(t, err)
	})

	t.Run("overflow fails", func(t *testing.T) {
		_, err := ParseInt("99999999999")
		require.Error(t, err)
	})

	t.Run("max int32 accepted", func(t *testing.T) {
		got, err := ParseInt("2147483647")
		require.NoError(t, err)
		require.Equal(t, 2147483647, got)
	})

	t.Run("beyond int32 fails", func(t *testing.T) {
		_, err := ParseInt("2147483648")
		require.Error(t, err)
	})

	t.Run("empty fails", func(t *testing.T) {
		_, err := ParseInt("")
		require.Error(t, err)
	})

	t.Run("sign only fails", func(t *testing.T) {
		_, err := ParseInt("-")
		require.Error(t, err)
	})
}
