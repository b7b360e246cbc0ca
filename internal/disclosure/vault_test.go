package disclosure

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"DataSov-Bridge/internal/document"
	"DataSov-Bridge/internal/encryption"
	xerrors "DataSov-Bridge/internal/errors"
	"DataSov-Bridge/internal/events"
)

func keypair(t *testing.T, b byte) *encryption.Keypair {
	t.Helper()
	kp, err := encryption.KeypairFromSeed(bytes.Repeat([]byte{b}, 32))
	require.NoError(t, err)
	return kp
}

type vaultFixture struct {
	vault    *Vault
	store    *document.MemoryStore
	stream   *events.MemoryStream
	owner    *encryption.Keypair
	consumer *encryption.Keypair
}

func newVaultFixture(t *testing.T) *vaultFixture {
	t.Helper()
	f := &vaultFixture{
		store:    document.NewMemoryStore(),
		stream:   events.NewMemoryStream(16),
		owner:    keypair(t, 1),
		consumer: keypair(t, 2),
	}
	f.vault = NewVault(f.store, encryption.NewEngine(), WithPublisher(f.stream))
	return f
}

func TestStoreAndRevealPersonalInfo(t *testing.T) {
	ctx := context.Background()
	f := newVaultFixture(t)

	doc, err := f.vault.StorePersonalInfo(ctx, "ID_1", f.owner, map[string]any{
		"name":  "Alice",
		"email": "alice@example.com",
		"age":   float64(31),
	})
	require.NoError(t, err)
	require.Equal(t, KindPersonalInfo, doc.Tags[document.TagKind])

	record, contentID, err := f.vault.LoadPersonalInfo(ctx, "ID_1")
	require.NoError(t, err)
	require.Equal(t, doc.ContentID, contentID)
	require.ElementsMatch(t, []string{"name", "email", "age"}, record.Data.FieldNames())
	require.Equal(t, f.owner.Address(), record.Owner)

	plain, err := f.vault.RevealPersonalInfo(ctx, "ID_1", f.owner)
	require.NoError(t, err)
	require.Equal(t, "Alice", plain["name"])
	require.Equal(t, float64(31), plain["age"])

	_, err = f.vault.RevealPersonalInfo(ctx, "ID_1", keypair(t, 9))
	require.True(t, xerrors.HasCode(err, encryption.CodeDecryptionFailed), "wrong owner must not decrypt: %v", err)
}

func TestShareArchivesDisclosureForConsumer(t *testing.T) {
	ctx := context.Background()
	f := newVaultFixture(t)
	_, err := f.vault.StorePersonalInfo(ctx, "ID_1", f.owner, map[string]any{
		"name":  "Alice",
		"email": "alice@example.com",
		"phone": "555-0100",
	})
	require.NoError(t, err)

	issued, err := f.vault.Share(ctx, ShareRequest{
		IdentityID:        "ID_1",
		Fields:            []string{"email", "name"},
		ConsumerID:        "C1",
		ConsumerPublicKey: f.consumer.PublicKey,
		Owner:             f.owner,
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"email", "name"}, issued.Record.Disclosure.FieldNames())
	require.Equal(t, 1, f.stream.Len())

	// 披露归档后，个人信息仍可按身份读取。
	_, _, err = f.vault.LoadPersonalInfo(ctx, "ID_1")
	require.NoError(t, err)

	listed, err := f.vault.ListDisclosures(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, issued.ContentID, listed[0].ContentID)

	opened, err := f.vault.Open(ctx, issued.ContentID, "C1", f.consumer)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"email": "alice@example.com", "name": "Alice"}, opened)

	_, err = f.vault.Open(ctx, issued.ContentID, "C2", keypair(t, 3))
	require.True(t, xerrors.HasCode(err, encryption.CodeDecryptionFailed))
}

func TestShareReportsEveryMissingField(t *testing.T) {
	ctx := context.Background()
	f := newVaultFixture(t)
	_, err := f.vault.StorePersonalInfo(ctx, "ID_1", f.owner, map[string]any{"name": "Alice"})
	require.NoError(t, err)

	_, err = f.vault.Share(ctx, ShareRequest{
		IdentityID:        "ID_1",
		Fields:            []string{"name", "ssn", "passport"},
		ConsumerID:        "C1",
		ConsumerPublicKey: f.consumer.PublicKey,
		Owner:             f.owner,
	})
	require.True(t, xerrors.HasCode(err, encryption.CodeFieldNotFound), "got %v", err)
	coded, ok := xerrors.From(err)
	require.True(t, ok)
	require.ElementsMatch(t, []string{"ssn", "passport"}, coded.Details())
	require.Equal(t, "C1", coded.Metadata()[xerrors.MetaConsumer])

	listed, err := f.vault.ListDisclosures(ctx, "C1")
	require.NoError(t, err)
	require.Empty(t, listed, "failed share must not archive anything")
	require.Equal(t, 0, f.stream.Len())
}

func TestLoadPersonalInfoMissing(t *testing.T) {
	f := newVaultFixture(t)
	_, _, err := f.vault.LoadPersonalInfo(context.Background(), "ID_404")
	require.True(t, xerrors.HasCode(err, document.CodeDocumentNotFound))

	_, err = f.vault.StorePersonalInfo(context.Background(), "ID_1", f.owner, nil)
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}
