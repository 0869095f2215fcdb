// Package admin implements the admin-policy callback the MLS provider
// invokes once per commit during handshake processing.
package admin

import (
	"github.com/marmot-im/marmot-go/internal/codec/groupmetadata"
	"github.com/marmot-im/marmot-go/internal/logging"
	"github.com/marmot-im/marmot-go/internal/mlsprovider"
	"go.uber.org/zap"
)

// Callback builds an mlsprovider.AdminCallback that accepts a commit only
// when its sender's Nostr pubkey is in the group's admin_pubkeys extension.
//
// Steps:
//  1. assert the credential is a basic credential (NostrPubkeyHex succeeds)
//  2. extract the Nostr pubkey (tolerant of legacy UTF-8-hex identities)
//  3. look up admin_pubkeys in the current group-context extensions
//  4. accept iff the pubkey is in the admin set
func Callback() mlsprovider.AdminCallback {
	return func(groupExtensions map[uint16][]byte, sender mlsprovider.Credential) mlsprovider.AdminDecision {
		pubkeyHex, ok := sender.NostrPubkeyHex()
		if !ok {
			logging.Warn("admin check: sender credential is not a basic Nostr-identity credential")
			return mlsprovider.Reject
		}

		raw, ok := groupExtensions[groupmetadata.ExtensionType]
		if !ok {
			logging.Warn("admin check: group has no group-metadata extension")
			return mlsprovider.Reject
		}
		data, err := groupmetadata.Decode(raw)
		if err != nil {
			logging.Warn("admin check: malformed group-metadata extension", zap.Error(err))
			return mlsprovider.Reject
		}

		for _, admin := range data.AdminPubkeys {
			if admin == pubkeyHex {
				return mlsprovider.Accept
			}
		}
		return mlsprovider.Reject
	}
}
