package client

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// IdentityServiceName is the gRPC service the identity client calls.
const IdentityServiceName = "platform.IdentityService"

// approvePermission is checked for every approve or reject.
const approvePermission = "approvals:approve"

// IdentityGRPCClient implements service.Authorizer and service.Directory
// against the platform identity gRPC service. Messages are structpb.Struct
// values so no generated stubs are needed.
//
// Nothing is cached: role membership and permissions are read on every call
// so a revoked role takes effect on the next action.
type IdentityGRPCClient struct {
	conn *grpc.ClientConn
}

// NewIdentityGRPCClient dials the identity gRPC service and returns a client.
func NewIdentityGRPCClient(addr string, opts ...grpc.DialOption) (*IdentityGRPCClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &IdentityGRPCClient{conn: conn}, nil
}

// Close releases the underlying gRPC connection.
func (c *IdentityGRPCClient) Close() error {
	return c.conn.Close()
}

// Authorize reports whether the user holds the approval permission for the
// entity type in the organization.
func (c *IdentityGRPCClient) Authorize(ctx context.Context, userID, orgID, entityType string) (bool, error) {
	resp, err := c.call(ctx, "Authorize", map[string]any{
		"user_id":         userID,
		"organization_id": orgID,
		"permission":      approvePermission,
		"resource_type":   entityType,
	})
	if err != nil {
		return false, err
	}
	return resp.GetFields()["allowed"].GetBoolValue(), nil
}

// UsersWithRole returns the users holding role in the organization.
func (c *IdentityGRPCClient) UsersWithRole(ctx context.Context, orgID, role string) ([]string, error) {
	resp, err := c.call(ctx, "ListUsersWithRole", map[string]any{
		"organization_id": orgID,
		"role":            role,
	})
	if err != nil {
		return nil, err
	}
	return stringList(resp, "user_ids"), nil
}

// ManagerChain returns up to levels managers above userID, nearest first.
func (c *IdentityGRPCClient) ManagerChain(ctx context.Context, orgID, userID string, levels int) ([]string, error) {
	resp, err := c.call(ctx, "GetManagerChain", map[string]any{
		"organization_id": orgID,
		"user_id":         userID,
		"levels":          levels,
	})
	if err != nil {
		return nil, err
	}
	return stringList(resp, "manager_ids"), nil
}

// UserExists reports whether userID is a member of the organization.
func (c *IdentityGRPCClient) UserExists(ctx context.Context, orgID, userID string) (bool, error) {
	resp, err := c.call(ctx, "UserExists", map[string]any{
		"organization_id": orgID,
		"user_id":         userID,
	})
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return resp.GetFields()["exists"].GetBoolValue(), nil
}

func (c *IdentityGRPCClient) call(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("identity %s: encode request: %w", method, err)
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+IdentityServiceName+"/"+method, in, out); err != nil {
		return nil, fmt.Errorf("identity %s: %w", method, err)
	}
	return out, nil
}

func stringList(s *structpb.Struct, key string) []string {
	values := s.GetFields()[key].GetListValue().GetValues()
	out := make([]string, 0, len(values))
	for _, v := range values {
		if id := v.GetStringValue(); id != "" {
			out = append(out, id)
		}
	}
	return out
}
