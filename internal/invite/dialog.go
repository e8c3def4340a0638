package invite

import (
	"fmt"

	"github.com/kstaniek/gb28181-gateway/internal/sipmsg"
)

// newDialogRequest builds an in-dialog request (INFO, BYE, ...) against
// an established session, carrying its Call-ID and both tags.
func newDialogRequest(method string, sess *StreamSession, realm string) *sipmsg.Message {
	req := sipmsg.NewRequest(method, fmt.Sprintf("sip:%s@%s", sess.ChannelID, realm))
	req.SetHeader("Call-ID", sess.CallID)
	req.SetHeader("CSeq", fmt.Sprintf("%d %s", sess.CSeq, method))
	req.SetHeader("From", fmt.Sprintf("<sip:%s@%s>;tag=%s", realm, realm, sess.FromTag))
	req.SetHeader("To", fmt.Sprintf("<sip:%s@%s>;tag=%s", sess.ChannelID, realm, sess.ToTag))
	return req
}
