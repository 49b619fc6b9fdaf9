package cache

import (
	"strings"
	"testing"
	"time"
)

func joinWithSeparator(parts ...string) string {
	return strings.Join(parts, KeySeparator)
}

type serializeCase struct {
	name      string
	namespace string
	args      []any
	want      string
}

func runSerializeCases(t *testing.T, tests []serializeCase) {
	t.Helper()
	serializer := NewDefaultKeySerializer()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := serializer.SerializeKey(tt.namespace, tt.args...)
			if got != tt.want {
				t.Errorf("SerializeKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefaultKeySerializer_BasicTypes(t *testing.T) {
	runSerializeCases(t, []serializeCase{
		{name: "no args", namespace: "Email", want: "Email"},
		{name: "single int", namespace: "Code", args: []any{42}, want: joinWithSeparator("Code", "42")},
		{
			name:      "composite index",
			namespace: "NameAge",
			args:      []any{"alice", int64(30), true, 3.5},
			want:      joinWithSeparator("NameAge", "alice", "30", "true", "3.5"),
		},
		{name: "unsigned", namespace: "Ref", args: []any{uint64(18446744073709551615)}, want: joinWithSeparator("Ref", "18446744073709551615")},
		{name: "int and int64 agree", namespace: "Code", args: []any{int64(42)}, want: joinWithSeparator("Code", "42")},
	})
}

func TestDefaultKeySerializer_NilValues(t *testing.T) {
	runSerializeCases(t, []serializeCase{
		{name: "nil interface", namespace: "Email", args: []any{nil}, want: joinWithSeparator("Email", "nil")},
		{name: "nil pointer", namespace: "Email", args: []any{(*string)(nil)}, want: joinWithSeparator("Email", "nil")},
		{name: "nil slice", namespace: "Tags", args: []any{([]int)(nil)}, want: joinWithSeparator("Tags", "slice:nil")},
		{name: "nil map", namespace: "Attrs", args: []any{(map[string]int)(nil)}, want: joinWithSeparator("Attrs", "map:nil")},
	})
}

func TestDefaultKeySerializer_Collections(t *testing.T) {
	runSerializeCases(t, []serializeCase{
		{name: "empty slice", namespace: "IDs", args: []any{[]int{}}, want: joinWithSeparator("IDs", "slice[0]:{}")},
		{name: "int slice", namespace: "IDs", args: []any{[]int{1, 2, 3}}, want: joinWithSeparator("IDs", "slice[3]:{1,2,3}")},
		{
			name:      "nested slice",
			namespace: "Matrix",
			args:      []any{[][]int{{1, 2}, {3, 4}}},
			want:      joinWithSeparator("Matrix", "slice[2]:{slice[2]:{1,2},slice[2]:{3,4}}"),
		},
		{name: "array", namespace: "Pair", args: []any{[2]string{"a", "b"}}, want: joinWithSeparator("Pair", "array[2]:{a,b}")},
		{
			name:      "map sorted by key",
			namespace: "Filters",
			args:      []any{map[string]int{"count": 10, "age": 25}},
			want:      joinWithSeparator("Filters", "map[2]:{age=25,count=10}"),
		},
	})
}

func TestDefaultKeySerializer_Structs(t *testing.T) {
	type point struct {
		X, Y   int
		hidden string
	}

	runSerializeCases(t, []serializeCase{
		{
			name:      "exported fields only",
			namespace: "Location",
			args:      []any{point{X: 1, Y: 2, hidden: "x"}},
			want:      joinWithSeparator("Location", "struct:{X:1,Y:2}"),
		},
	})
}

func TestDefaultKeySerializer_BytesAndTime(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))

	runSerializeCases(t, []serializeCase{
		{name: "bytes as hex", namespace: "Hash", args: []any{[]byte{0xde, 0xad}}, want: joinWithSeparator("Hash", "hex:dead")},
		{name: "time in UTC", namespace: "At", args: []any{at}, want: joinWithSeparator("At", "2024-03-01T11:00:00Z")},
		{name: "duration", namespace: "TTL", args: []any{90 * time.Second}, want: joinWithSeparator("TTL", "1m30s")},
	})
}

func TestDefaultKeySerializer_Pointers(t *testing.T) {
	value := 42
	runSerializeCases(t, []serializeCase{
		{name: "dereferenced", namespace: "Code", args: []any{&value}, want: joinWithSeparator("Code", "42")},
	})
}

func TestDefaultKeySerializer_ProcessLocalValues(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	fnKey := serializer.SerializeKey("Criteria", func() {})
	if fnKey != joinWithSeparator("Criteria", "unsupported:func()") {
		t.Errorf("function key = %v, want unsupported marker", fnKey)
	}

	chKey := serializer.SerializeKey("Stream", make(chan int))
	if chKey != joinWithSeparator("Stream", "unsupported:chan int") {
		t.Errorf("channel key = %v, want unsupported marker", chKey)
	}
}

func TestDefaultKeySerializer_Stability(t *testing.T) {
	serializer := NewDefaultKeySerializer()
	args := []any{1, "hello", []int{1, 2, 3}, map[string]int{"a": 1, "b": 2, "c": 3}}

	first := serializer.SerializeKey("Method", args...)
	for i := 0; i < 20; i++ {
		if got := serializer.SerializeKey("Method", args...); got != first {
			t.Fatalf("Key serialization should be stable: %v != %v", got, first)
		}
	}
}

func TestKeyNamespaces(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"primary", PrimaryKey("User", 7), "e:User:7"},
		{"unique lookup", UniqueLookupKey("User", "Email", "a@x"), "ul:User:Email:a@x"},
		{"unique index", UniqueIndexKey("User", "Email", "a@x"), "u:User:Email:a@x"},
		{"entry version", EntryVersionKey(PrimaryKey("User", 7)), "ev:e:User:7"},
		{"versioned", VersionedKey(PrimaryKey("User", 7), 3), "e:User:7:v3"},
		{"query prefix", QueryPrefix("User"), "q:User:"},
		{"query", QueryKey("User", "ByAge", 3, 255), "q:User:ByAge:3:ff"},
		{"query version", QueryVersionKey("User", "ByAge"), "qv:User:ByAge"},
		{"lease", LeaseKey("flush", "consumer"), "lease:flush:consumer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}

	if !strings.HasPrefix(QueryKey("User", "ByAge", 1, 1), QueryPrefix("User")) {
		t.Error("query keys must share the entity query prefix")
	}
	if strings.HasPrefix(UniqueIndexKey("User", "Email", "a"), QueryPrefix("User")) {
		t.Error("unique index keys must not fall under cache prefixes")
	}
}

func TestIndexMember(t *testing.T) {
	s := NewDefaultKeySerializer()
	if got := IndexMember(s, "cars"); got != "cars" {
		t.Errorf("IndexMember(cars) = %q", got)
	}
	if got := IndexMember(s, uint64(3), "cars"); got != "1:3|4:cars" {
		t.Errorf("IndexMember(3, cars) = %q", got)
	}
	if a, b := IndexMember(s, "x:y", "z"), IndexMember(s, "x", "y:z"); a == b {
		t.Errorf("distinct tuples share member %q", a)
	}
	if a, b := IndexMember(s, "a|1:b", "c"), IndexMember(s, "a", "b|1:c"); a == b {
		t.Errorf("distinct tuples share member %q", a)
	}
	if IndexMember(s, 3) != IndexMember(s, int64(3)) {
		t.Error("integer kinds must render the same member")
	}
}

func BenchmarkDefaultKeySerializer(b *testing.B) {
	serializer := NewDefaultKeySerializer()
	args := []any{1, "benchmark", []int{1, 2, 3}, map[string]int{"test": 1}}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		serializer.SerializeKey("BenchmarkMethod", args...)
	}
}
