package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir, WithWALCheckpointInterval(0))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSavePairing(t *testing.T, store *Store, deviceID, name, fingerprint string) {
	t.Helper()

	err := store.SavePairing(Pairing{
		DeviceID:        deviceID,
		DeviceName:      name,
		DeviceType:      "phone",
		CertFingerprint: fingerprint,
		CertificatePEM:  "-----BEGIN CERTIFICATE-----\n" + deviceID + "\n-----END CERTIFICATE-----\n",
	})
	if err != nil {
		t.Fatalf("save pairing %q: %v", deviceID, err)
	}
}
