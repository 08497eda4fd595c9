package volume

import "testing"

func TestBootSectorRoundTrip(t *testing.T) {
	buf := make([]byte, 512)
	b := &BootSector{
		BytesPerSector:      512,
		SectorsPerCluster:   8,
		TotalSectors:        1000000,
		MFTLCN:              4,
		MFTMirrLCN:          500000,
		ClustersPerMFTRec:   -10, // 1024-byte records
		ClustersPerIndexRec: 1,
		VolumeSerial:        0xdeadbeefcafef00d,
	}
	buf2 := b.Marshal()
	got, err := ParseBootSector(buf2)
	if err != nil {
		t.Fatal(err)
	}
	if got.BytesPerSector != b.BytesPerSector ||
		got.SectorsPerCluster != b.SectorsPerCluster ||
		got.TotalSectors != b.TotalSectors ||
		got.MFTLCN != b.MFTLCN ||
		got.MFTMirrLCN != b.MFTMirrLCN ||
		got.ClustersPerMFTRec != b.ClustersPerMFTRec ||
		got.ClustersPerIndexRec != b.ClustersPerIndexRec ||
		got.VolumeSerial != b.VolumeSerial {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", *got, *b)
	}
	if got.BytesPerCluster() != 4096 {
		t.Fatalf("BytesPerCluster() = %d, want 4096", got.BytesPerCluster())
	}
	if got.MFTRecordSize() != 1024 {
		t.Fatalf("MFTRecordSize() = %d, want 1024", got.MFTRecordSize())
	}
	_ = buf
}

func TestMFTRecordSizePositiveCode(t *testing.T) {
	b := &BootSector{SectorsPerCluster: 8, BytesPerSector: 512, ClustersPerMFTRec: 2}
	if got := b.MFTRecordSize(); got != 2*4096 {
		t.Fatalf("MFTRecordSize() = %d, want %d", got, 2*4096)
	}
}
