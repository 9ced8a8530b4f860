package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the control service.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Call invokes method with the given request fields.
func (c *Client) Call(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ApplicationState returns the state name of an application.
func (c *Client) ApplicationState(ctx context.Context, name string) (string, error) {
	out, err := c.Call(ctx, "GetApplicationState", map[string]any{"name": name})
	if err != nil {
		return "", err
	}
	return out.GetFields()["state"].GetStringValue(), nil
}

// Applications returns every application name with its state.
func (c *Client) Applications(ctx context.Context) (map[string]string, error) {
	out, err := c.Call(ctx, "ListApplications", nil)
	if err != nil {
		return nil, err
	}
	res := make(map[string]string)
	for _, v := range out.GetFields()["applications"].GetListValue().GetValues() {
		f := v.GetStructValue().GetFields()
		res[f["name"].GetStringValue()] = f["state"].GetStringValue()
	}
	return res, nil
}
