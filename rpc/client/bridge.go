package client

import (
	"encoding/json"
	"fmt"

	"github.com/0xPolygon/cdk-rpc/rpc"
	"github.com/0xPolygon/exportbridge/chainwatcher"
	"github.com/0xPolygon/exportbridge/importsubmitter"
	"github.com/0xPolygon/exportbridge/proofservice"
	"github.com/0xPolygon/exportbridge/quorum"
	"github.com/0xPolygon/exportbridge/rpc/types"
	"github.com/ethereum/go-ethereum/common"
)

var jSONRPCCall = rpc.JSONRPCCall

// Client wraps the "bridge" endpoints of a validator node
type Client struct {
	url string
}

func NewClient(url string) *Client {
	return &Client{
		url: url,
	}
}

// URL of the node
func (c *Client) URL() string {
	return c.url
}

func (c *Client) call(method string, result interface{}, params ...interface{}) error {
	response, err := jSONRPCCall(c.url, method, params...)
	if err != nil {
		return err
	}
	if response.Error != nil {
		return fmt.Errorf("error in the response calling %s: %w", method, response.Error)
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(response.Result, result)
}

// SubmitAttestation sends att to the node
func (c *Client) SubmitAttestation(att quorum.Attestation) error {
	return c.call("bridge_submitAttestation", nil, att)
}

func (c *Client) ProveBurn(sourceChain uint32, burnHash common.Hash) (*proofservice.ProofBundle, error) {
	result := proofservice.ProofBundle{}
	if err := c.call("bridge_proveBurn", &result, sourceChain, burnHash); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) QuorumStatus(burnHash common.Hash) (*quorum.Status, error) {
	result := quorum.Status{}
	if err := c.call("bridge_quorumStatus", &result, burnHash); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) AttestationLog(burnHash common.Hash) ([]quorum.AuditEntry, error) {
	var result []quorum.AuditEntry
	if err := c.call("bridge_attestationLog", &result, burnHash); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) ImportStatus(burnHash common.Hash) (*importsubmitter.ImportStatus, error) {
	result := importsubmitter.ImportStatus{}
	if err := c.call("bridge_importStatus", &result, burnHash); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ChainStatus(chainID uint32) (*chainwatcher.Status, error) {
	result := chainwatcher.Status{}
	if err := c.call("bridge_chainStatus", &result, chainID); err != nil {
		return nil, err
	}
	return &result, nil
}

// ResolveConflict sends a signed conflict resolution to the node
func (c *Client) ResolveConflict(req types.OperatorRequest) error {
	return c.call("bridge_resolveConflict", nil, req)
}

// ResumeChain sends a signed chain resume to the node
func (c *Client) ResumeChain(req types.OperatorRequest) error {
	return c.call("bridge_resumeChain", nil, req)
}
