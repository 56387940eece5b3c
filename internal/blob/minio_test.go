package blob

import "testing"

func TestObjectKey(t *testing.T) {
	key := ObjectKey(42, "msg-abc", "att-xyz")
	if key != "company-42/msg-abc/att-xyz" {
		t.Errorf("key = %q", key)
	}
}

func TestCompanyPrefixCoversObjectKey(t *testing.T) {
	key := ObjectKey(7, "msg-1", "att-1")
	prefix := CompanyPrefix(7)
	if key[:len(prefix)] != prefix {
		t.Errorf("key %q not under prefix %q", key, prefix)
	}
	if other := CompanyPrefix(70); key[:len(other)] == other {
		t.Errorf("prefix %q must not match company 7 keys", other)
	}
}
